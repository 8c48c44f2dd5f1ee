package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	privilegedomain "github.com/smallbiznis/telecare/internal/privilege/domain"
	pkgdb "github.com/smallbiznis/telecare/pkg/db"
	"gorm.io/gorm"
)

// EnsurePrivileges makes sure every named privilege exists in the catalog
// and returns how many were created. Names are stored under their slug code.
func EnsurePrivileges(ctx context.Context, db *gorm.DB, node *snowflake.Node, repo privilegedomain.Repository, names []string) (int, error) {
	if db == nil {
		return 0, errors.New("seed database handle is required")
	}
	if node == nil {
		return 0, errors.New("seed id generator is required")
	}

	created := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range names {
			name = strings.TrimSpace(name)
			code := privilegedomain.NormalizeCode(name)
			if code == "" {
				continue
			}

			existing, err := repo.FindPrivilegeByCode(ctx, tx, code)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}

			now := time.Now().UTC()
			err = repo.InsertPrivilege(ctx, tx, &privilegedomain.Privilege{
				ID:        node.Generate(),
				Code:      code,
				Name:      name,
				CreatedAt: now,
				UpdatedAt: now,
			})
			if pkgdb.IsDuplicateKeyErr(err) {
				continue
			}
			if err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}
