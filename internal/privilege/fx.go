package privilege

import (
	"github.com/smallbiznis/telecare/internal/privilege/repository"
	"github.com/smallbiznis/telecare/internal/privilege/service"
	"go.uber.org/fx"
)

var Module = fx.Module("privilege.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewResolver),
)
