package usageledger

import (
	"github.com/smallbiznis/telecare/internal/usageledger/repository"
	"github.com/smallbiznis/telecare/internal/usageledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usageledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewManager),
)
