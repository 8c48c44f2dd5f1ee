// Package domain holds the privilege catalog and plan privilege configuration.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/telecare/internal/period"
)

const (
	// AllowanceUnlimited never exhausts the total quota.
	AllowanceUnlimited int64 = -1
	// AllowanceDisabled rejects every request.
	AllowanceDisabled int64 = 0
)

// AllowanceState classifies a total allowance.
type AllowanceState string

const (
	AllowanceStateUnlimited AllowanceState = "unlimited"
	AllowanceStateDisabled  AllowanceState = "disabled"
	AllowanceStateLimited   AllowanceState = "limited"
)

// Privilege is a named capability a plan can grant, such as Teleconsultation.
type Privilege struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Code        string       `gorm:"type:text;not null;uniqueIndex"`
	Name        string       `gorm:"type:text;not null"`
	Description *string      `gorm:"type:text"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Privilege) TableName() string { return "privileges" }

// PlanPrivilegeConfig is one version of the allowance a plan grants for a
// privilege. Edits create a new row so ledgers keep the allowance they started with.
type PlanPrivilegeConfig struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	PlanID           snowflake.ID `gorm:"not null;index:ix_plan_privilege_configs_plan_privilege,priority:1"`
	PrivilegeID      snowflake.ID `gorm:"not null;index:ix_plan_privilege_configs_plan_privilege,priority:2"`
	TotalAllowance   int64        `gorm:"not null"`
	UsagePeriodUnit  period.Unit  `gorm:"type:text;not null"`
	UsagePeriodCount int          `gorm:"not null;default:1"`
	DurationMonths   *int         `gorm:""`
	DailyLimit       *int64       `gorm:""`
	WeeklyLimit      *int64       `gorm:""`
	MonthlyLimit     *int64       `gorm:""`
	EffectiveFrom    *time.Time   `gorm:""`
	EffectiveUntil   *time.Time   `gorm:""`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PlanPrivilegeConfig) TableName() string { return "plan_privilege_configs" }

func (c PlanPrivilegeConfig) State() AllowanceState {
	switch {
	case c.TotalAllowance == AllowanceUnlimited:
		return AllowanceStateUnlimited
	case c.TotalAllowance == AllowanceDisabled:
		return AllowanceStateDisabled
	default:
		return AllowanceStateLimited
	}
}

func (c PlanPrivilegeConfig) IsDisabled() bool { return c.State() == AllowanceStateDisabled }

func (c PlanPrivilegeConfig) UsagePeriod() period.Length {
	return period.Length{Unit: c.UsagePeriodUnit, Count: c.UsagePeriodCount}
}

// Started reports whether the activation window has opened at t.
func (c PlanPrivilegeConfig) Started(t time.Time) bool {
	return c.EffectiveFrom == nil || !t.Before(*c.EffectiveFrom)
}

// Ended reports whether the activation window has closed at t.
func (c PlanPrivilegeConfig) Ended(t time.Time) bool {
	return c.EffectiveUntil != nil && !t.Before(*c.EffectiveUntil)
}

func (c PlanPrivilegeConfig) ActiveAt(t time.Time) bool {
	return c.Started(t) && !c.Ended(t)
}

// Validate checks the invariants a stored configuration must satisfy.
func (c PlanPrivilegeConfig) Validate() error {
	if c.PlanID == 0 || c.PrivilegeID == 0 {
		return ErrInvalidConfig
	}
	if c.TotalAllowance < AllowanceUnlimited {
		return ErrInvalidAllowance
	}
	if err := c.UsagePeriod().Validate(); err != nil {
		return ErrInvalidUsagePeriod
	}
	if c.DurationMonths != nil && *c.DurationMonths < 0 {
		return ErrInvalidDuration
	}
	for _, limit := range []*int64{c.DailyLimit, c.WeeklyLimit, c.MonthlyLimit} {
		if limit != nil && *limit < 0 {
			return ErrInvalidLimit
		}
	}
	if c.EffectiveFrom != nil && c.EffectiveUntil != nil && !c.EffectiveUntil.After(*c.EffectiveFrom) {
		return ErrInvalidEffectiveWindow
	}
	return nil
}

// NormalizeCode maps a display name such as "Video Call" to its catalog code.
func NormalizeCode(name string) string {
	return slug.Make(strings.TrimSpace(name))
}
