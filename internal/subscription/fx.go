package subscription

import (
	subscriptiondomain "github.com/smallbiznis/telecare/internal/subscription/domain"
	"github.com/smallbiznis/telecare/internal/subscription/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.repository",
	fx.Provide(repository.Provide),
	fx.Provide(func(repo subscriptiondomain.Repository) subscriptiondomain.Reader { return repo }),
)
