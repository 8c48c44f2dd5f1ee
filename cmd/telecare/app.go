package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/telecare/internal/clock"
	"github.com/smallbiznis/telecare/internal/config"
	"github.com/smallbiznis/telecare/internal/enforcement"
	"github.com/smallbiznis/telecare/internal/migration"
	"github.com/smallbiznis/telecare/internal/observability"
	"github.com/smallbiznis/telecare/internal/privilege"
	"github.com/smallbiznis/telecare/internal/server"
	"github.com/smallbiznis/telecare/internal/subscription"
	"github.com/smallbiznis/telecare/internal/usageledger"
	"github.com/smallbiznis/telecare/pkg/db"
	"go.uber.org/fx"
)

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

// infrastructure is shared by every command that touches the database.
func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		privilege.Module,
		migration.Module,
	)
}

func domains() fx.Option {
	return fx.Options(
		subscription.Module,
		usageledger.Module,
		enforcement.Module,
	)
}

func serverApp() *fx.App {
	return fx.New(
		infrastructure(),
		domains(),
		server.Module,
	)
}
