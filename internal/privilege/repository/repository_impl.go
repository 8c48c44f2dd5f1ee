package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	privilegedomain "github.com/smallbiznis/telecare/internal/privilege/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() privilegedomain.Repository {
	return &repo{}
}

func (r *repo) InsertPrivilege(ctx context.Context, db *gorm.DB, privilege *privilegedomain.Privilege) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO privileges (id, code, name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		privilege.ID,
		privilege.Code,
		privilege.Name,
		privilege.Description,
		privilege.CreatedAt,
		privilege.UpdatedAt,
	).Error
}

func (r *repo) FindPrivilegeByCode(ctx context.Context, db *gorm.DB, code string) (*privilegedomain.Privilege, error) {
	var privilege privilegedomain.Privilege
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, description, created_at, updated_at
		 FROM privileges WHERE code = ?`,
		code,
	).Scan(&privilege).Error
	if err != nil {
		return nil, err
	}
	if privilege.ID == 0 {
		return nil, nil
	}
	return &privilege, nil
}

func (r *repo) InsertConfig(ctx context.Context, db *gorm.DB, cfg *privilegedomain.PlanPrivilegeConfig) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plan_privilege_configs (
			id, plan_id, privilege_id, total_allowance, usage_period_unit, usage_period_count,
			duration_months, daily_limit, weekly_limit, monthly_limit,
			effective_from, effective_until, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID,
		cfg.PlanID,
		cfg.PrivilegeID,
		cfg.TotalAllowance,
		cfg.UsagePeriodUnit,
		cfg.UsagePeriodCount,
		cfg.DurationMonths,
		cfg.DailyLimit,
		cfg.WeeklyLimit,
		cfg.MonthlyLimit,
		cfg.EffectiveFrom,
		cfg.EffectiveUntil,
		cfg.CreatedAt,
	).Error
}

func (r *repo) ListConfigs(ctx context.Context, db *gorm.DB, planID, privilegeID snowflake.ID) ([]privilegedomain.PlanPrivilegeConfig, error) {
	var configs []privilegedomain.PlanPrivilegeConfig
	err := db.WithContext(ctx).Raw(
		`SELECT id, plan_id, privilege_id, total_allowance, usage_period_unit, usage_period_count,
		 duration_months, daily_limit, weekly_limit, monthly_limit,
		 effective_from, effective_until, created_at
		 FROM plan_privilege_configs
		 WHERE plan_id = ? AND privilege_id = ?
		 ORDER BY created_at ASC, id ASC`,
		planID,
		privilegeID,
	).Scan(&configs).Error
	if err != nil {
		return nil, err
	}
	return configs, nil
}
