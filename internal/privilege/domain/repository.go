package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPrivilege(ctx context.Context, db *gorm.DB, privilege *Privilege) error
	FindPrivilegeByCode(ctx context.Context, db *gorm.DB, code string) (*Privilege, error)
	InsertConfig(ctx context.Context, db *gorm.DB, cfg *PlanPrivilegeConfig) error
	ListConfigs(ctx context.Context, db *gorm.DB, planID, privilegeID snowflake.ID) ([]PlanPrivilegeConfig, error)
}

var (
	ErrInvalidPrivilege       = errors.New("invalid_privilege")
	ErrInvalidConfig          = errors.New("invalid_plan_privilege_config")
	ErrInvalidAllowance       = errors.New("invalid_total_allowance")
	ErrInvalidUsagePeriod     = errors.New("invalid_usage_period")
	ErrInvalidDuration        = errors.New("invalid_duration_months")
	ErrInvalidLimit           = errors.New("invalid_limit")
	ErrInvalidEffectiveWindow = errors.New("invalid_effective_window")

	ErrConfigNotFound = errors.New("config_not_found")
	ErrConfigExpired  = errors.New("config_expired")
)
