package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/telecare/internal/period"
	subscriptiondomain "github.com/smallbiznis/telecare/internal/subscription/domain"
)

// Resolution is the configuration governing one subscription and privilege at an instant.
type Resolution struct {
	Subscription subscriptiondomain.Subscription
	Privilege    Privilege
	Config       PlanPrivilegeConfig
	Schedule     period.Schedule
}

// Resolver finds the configuration that applies to a consumption request.
type Resolver interface {
	Resolve(ctx context.Context, subscriptionID snowflake.ID, privilegeName string, now time.Time) (Resolution, error)
	ResolveLatest(ctx context.Context, subscriptionID snowflake.ID, privilegeName string) (Resolution, error)
}
