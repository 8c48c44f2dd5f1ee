package enforcement

import (
	"context"
	"errors"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/telecare/internal/config"
	"github.com/smallbiznis/telecare/internal/enforcement/lock"
	"github.com/smallbiznis/telecare/internal/enforcement/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("enforcement.service",
	fx.Provide(NewLocker),
	fx.Provide(service.NewService),
)

// NewLocker picks the lock backend from configuration. The redis backend
// is required once more than one instance serves the same database.
func NewLocker(lc fx.Lifecycle, cfg config.Config, settings *config.EnforcementConfigHolder, log *zap.Logger) (lock.Locker, error) {
	if !cfg.UseRedisLock() {
		log.Info("enforcement lock backend selected", zap.String("backend", lock.BackendLocal))
		return lock.NewLocalLocker(), nil
	}

	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required for the redis lock backend")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	locker, err := lock.NewRedisLocker(client, settings.Get().LockTTL, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	log.Info("enforcement lock backend selected",
		zap.String("backend", lock.BackendRedis),
		zap.String("redis_addr", addr),
	)
	return locker, nil
}
