package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/telecare/internal/config"
	privilegedomain "github.com/smallbiznis/telecare/internal/privilege/domain"
	"github.com/smallbiznis/telecare/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, node *snowflake.Node, repo privilegedomain.Repository, log *zap.Logger) error {
		if err := Migrate(conn); err != nil {
			return err
		}

		if !cfg.Bootstrap.EnsurePrivileges {
			return nil
		}
		created, err := seed.EnsurePrivileges(context.Background(), conn, node, repo, cfg.Bootstrap.Privileges)
		if err != nil {
			return err
		}
		log.Info("privilege catalog bootstrapped", zap.Int("created", created))
		return nil
	}),
)
