package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnforcementConfig tunes the privilege enforcement critical section.
type EnforcementConfig struct {
	// StorageTimeout bounds one TryConsume/GetRemaining/ResetUsage call end to end.
	StorageTimeout time.Duration `mapstructure:"storageTimeout"`
	// LockWaitTimeout bounds how long a caller queues behind the same ledger key.
	LockWaitTimeout time.Duration `mapstructure:"lockWaitTimeout"`
	// LockTTL is the expiry of a distributed lock held by a crashed instance.
	LockTTL time.Duration `mapstructure:"lockTTL"`
}

func DefaultEnforcementConfig() EnforcementConfig {
	return EnforcementConfig{
		StorageTimeout:  500 * time.Millisecond,
		LockWaitTimeout: 250 * time.Millisecond,
		LockTTL:         5 * time.Second,
	}
}

type EnforcementConfigHolder struct {
	current atomic.Value // holds EnforcementConfig
}

var enforcementConfigPaths = []string{
	"/var/lib/telecare/config",
	"/etc/telecare",
	".",
}

func NewEnforcementConfigHolder(log *zap.Logger) (*EnforcementConfigHolder, error) {
	return loadEnforcementConfigHolder(log, enforcementConfigPaths...)
}

// NewStaticEnforcementConfigHolder returns a holder that never reloads.
func NewStaticEnforcementConfigHolder(cfg EnforcementConfig) *EnforcementConfigHolder {
	holder := &EnforcementConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func loadEnforcementConfigHolder(log *zap.Logger, paths ...string) (*EnforcementConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("enforcement.config")

	v := viper.New()
	v.SetConfigName("enforcement")
	v.SetConfigType("yml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("TELECARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEnforcementConfig()
	v.SetDefault("enforcement.storageTimeout", defaults.StorageTimeout)
	v.SetDefault("enforcement.lockWaitTimeout", defaults.LockWaitTimeout)
	v.SetDefault("enforcement.lockTTL", defaults.LockTTL)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg EnforcementConfig
	if err := v.UnmarshalKey("enforcement", &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := validateEnforcementConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EnforcementConfigHolder{}
	holder.current.Store(cfg)

	if !fileFound {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EnforcementConfig
		if err := v.UnmarshalKey("enforcement", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		updated = updated.withDefaults()
		if err := validateEnforcementConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *EnforcementConfigHolder) Get() EnforcementConfig {
	if h == nil {
		return DefaultEnforcementConfig()
	}
	cfg, ok := h.current.Load().(EnforcementConfig)
	if !ok {
		return DefaultEnforcementConfig()
	}
	return cfg
}

func (c EnforcementConfig) withDefaults() EnforcementConfig {
	defaults := DefaultEnforcementConfig()
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = defaults.StorageTimeout
	}
	if c.LockWaitTimeout <= 0 {
		c.LockWaitTimeout = defaults.LockWaitTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

func validateEnforcementConfig(cfg EnforcementConfig) error {
	if cfg.StorageTimeout <= 0 {
		return errors.New("enforcement.storageTimeout must be positive")
	}
	if cfg.LockWaitTimeout <= 0 {
		return errors.New("enforcement.lockWaitTimeout must be positive")
	}
	if cfg.LockWaitTimeout > cfg.StorageTimeout {
		return errors.New("enforcement.lockWaitTimeout cannot exceed enforcement.storageTimeout")
	}
	if cfg.LockTTL < cfg.StorageTimeout {
		return errors.New("enforcement.lockTTL must cover enforcement.storageTimeout")
	}
	return nil
}
