package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/telecare/internal/period"
	privilegedomain "github.com/smallbiznis/telecare/internal/privilege/domain"
	subscriptiondomain "github.com/smallbiznis/telecare/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ResolverParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Repo          privilegedomain.Repository
	Subscriptions subscriptiondomain.Reader
}

type Resolver struct {
	db  *gorm.DB
	log *zap.Logger

	repo          privilegedomain.Repository
	subscriptions subscriptiondomain.Reader
}

func NewResolver(p ResolverParam) privilegedomain.Resolver {
	return &Resolver{
		db:  p.DB,
		log: p.Log.Named("privilege.resolver"),

		repo:          p.Repo,
		subscriptions: p.Subscriptions,
	}
}

// Resolve returns the configuration in force for the subscription's plan at now.
func (r *Resolver) Resolve(ctx context.Context, subscriptionID snowflake.ID, privilegeName string, now time.Time) (privilegedomain.Resolution, error) {
	sub, privilege, configs, err := r.load(ctx, subscriptionID, privilegeName)
	if err != nil {
		return privilegedomain.Resolution{}, err
	}

	switch {
	case sub.Status.Terminated(), sub.EndedAt(now):
		return privilegedomain.Resolution{}, privilegedomain.ErrConfigExpired
	case !sub.Status.Grantable(), now.Before(sub.StartAt):
		return privilegedomain.Resolution{}, privilegedomain.ErrConfigNotFound
	}

	cfg, err := selectActive(configs, now)
	if err != nil {
		return privilegedomain.Resolution{}, err
	}
	return r.resolution(*sub, *privilege, cfg)
}

// ResolveLatest returns the newest configuration version regardless of
// activation windows or subscription status.
func (r *Resolver) ResolveLatest(ctx context.Context, subscriptionID snowflake.ID, privilegeName string) (privilegedomain.Resolution, error) {
	sub, privilege, configs, err := r.load(ctx, subscriptionID, privilegeName)
	if err != nil {
		return privilegedomain.Resolution{}, err
	}

	latest := configs[0]
	for _, cfg := range configs[1:] {
		if newer(cfg, latest) {
			latest = cfg
		}
	}
	return r.resolution(*sub, *privilege, latest)
}

func (r *Resolver) load(ctx context.Context, subscriptionID snowflake.ID, privilegeName string) (*subscriptiondomain.Subscription, *privilegedomain.Privilege, []privilegedomain.PlanPrivilegeConfig, error) {
	if subscriptionID == 0 {
		return nil, nil, nil, subscriptiondomain.ErrInvalidSubscription
	}
	code := privilegedomain.NormalizeCode(privilegeName)
	if code == "" {
		return nil, nil, nil, privilegedomain.ErrInvalidPrivilege
	}

	sub, err := r.subscriptions.FindByID(ctx, r.db, subscriptionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if sub == nil {
		return nil, nil, nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	privilege, err := r.repo.FindPrivilegeByCode(ctx, r.db, code)
	if err != nil {
		return nil, nil, nil, err
	}
	if privilege == nil {
		return nil, nil, nil, privilegedomain.ErrConfigNotFound
	}

	configs, err := r.repo.ListConfigs(ctx, r.db, sub.PlanID, privilege.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(configs) == 0 {
		return nil, nil, nil, privilegedomain.ErrConfigNotFound
	}
	return sub, privilege, configs, nil
}

func (r *Resolver) resolution(sub subscriptiondomain.Subscription, privilege privilegedomain.Privilege, cfg privilegedomain.PlanPrivilegeConfig) (privilegedomain.Resolution, error) {
	if err := cfg.Validate(); err != nil {
		r.log.Error("stored plan privilege config is invalid",
			zap.String("config_id", cfg.ID.String()),
			zap.Error(err),
		)
		return privilegedomain.Resolution{}, fmt.Errorf("plan privilege config %s: %w", cfg.ID, err)
	}

	anchor := sub.StartAt.UTC()
	if cfg.EffectiveFrom != nil && cfg.EffectiveFrom.After(anchor) {
		anchor = cfg.EffectiveFrom.UTC()
	}

	return privilegedomain.Resolution{
		Subscription: sub,
		Privilege:    privilege,
		Config:       cfg,
		Schedule: period.Schedule{
			Anchor:   anchor,
			Length:   cfg.UsagePeriod(),
			GrantEnd: period.GrantEnd(anchor, cfg.DurationMonths),
		},
	}, nil
}

// selectActive picks the newest version whose window contains now.
func selectActive(configs []privilegedomain.PlanPrivilegeConfig, now time.Time) (privilegedomain.PlanPrivilegeConfig, error) {
	var (
		selected *privilegedomain.PlanPrivilegeConfig
		ended    bool
	)
	for i := range configs {
		cfg := configs[i]
		if cfg.Ended(now) {
			ended = true
			continue
		}
		if !cfg.Started(now) {
			continue
		}
		if selected == nil || newer(cfg, *selected) {
			selected = &configs[i]
		}
	}

	if selected == nil {
		if ended {
			return privilegedomain.PlanPrivilegeConfig{}, privilegedomain.ErrConfigExpired
		}
		return privilegedomain.PlanPrivilegeConfig{}, privilegedomain.ErrConfigNotFound
	}
	return *selected, nil
}

func newer(a, b privilegedomain.PlanPrivilegeConfig) bool {
	switch {
	case a.EffectiveFrom == nil && b.EffectiveFrom != nil:
		return false
	case a.EffectiveFrom != nil && b.EffectiveFrom == nil:
		return true
	case a.EffectiveFrom != nil && !a.EffectiveFrom.Equal(*b.EffectiveFrom):
		return a.EffectiveFrom.After(*b.EffectiveFrom)
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.After(b.CreatedAt)
	default:
		return a.ID > b.ID
	}
}
