// Package domain contains usage ledgers and their append-only history.
package domain

import (
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Unlimited is reported as the remaining amount of an unlimited allowance.
const Unlimited int64 = math.MaxInt64

// LedgerStatus tracks a ledger through its usage period.
type LedgerStatus string

const (
	LedgerStatusOpen      LedgerStatus = "OPEN"
	LedgerStatusExhausted LedgerStatus = "EXHAUSTED"
	LedgerStatusClosed    LedgerStatus = "CLOSED"
)

// UsageLedger is the running total for one subscription, privilege and
// usage period [PeriodStart, PeriodEnd). PlanPrivilegeConfigID names the
// configuration version whose allowance was snapshotted into AllowedValue.
type UsageLedger struct {
	ID                    snowflake.ID `gorm:"primaryKey"`
	SubscriptionID        snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_ledgers_period,priority:1;index:ix_usage_ledgers_privilege,priority:1"`
	PrivilegeID           snowflake.ID `gorm:"not null;index:ix_usage_ledgers_privilege,priority:2"`
	PlanPrivilegeConfigID snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_ledgers_period,priority:2"`
	PeriodStart           time.Time    `gorm:"not null;uniqueIndex:ux_usage_ledgers_period,priority:3"`
	PeriodEnd             time.Time    `gorm:"not null"`
	UsedValue             int64        `gorm:"not null;default:0"`
	AllowedValue          int64        `gorm:"not null"`
	Status                LedgerStatus `gorm:"type:text;not null"`
	LastUsedAt            *time.Time   `gorm:""`
	ClosedAt              *time.Time   `gorm:""`
	CreatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UsageLedger) TableName() string { return "usage_ledgers" }

func (l UsageLedger) IsUnlimited() bool { return l.AllowedValue == -1 }

// Remaining is the amount still grantable in this period.
func (l UsageLedger) Remaining() int64 {
	if l.IsUnlimited() {
		return Unlimited
	}
	if remaining := l.AllowedValue - l.UsedValue; remaining > 0 {
		return remaining
	}
	return 0
}

// Covers reports whether t falls inside the ledger period.
func (l UsageLedger) Covers(t time.Time) bool {
	return !t.Before(l.PeriodStart) && t.Before(l.PeriodEnd)
}

// StatusFor derives the open/exhausted status for a used amount.
func (l UsageLedger) StatusFor(used int64) LedgerStatus {
	if !l.IsUnlimited() && used >= l.AllowedValue {
		return LedgerStatusExhausted
	}
	return LedgerStatusOpen
}

// EntryType distinguishes consumption from administrative resets.
type EntryType string

const (
	EntryTypeConsume EntryType = "CONSUME"
	EntryTypeReset   EntryType = "RESET"
)

// UsageHistoryEntry records one change to a ledger. Rows are never updated
// or deleted; the used amounts of a ledger's entries sum to its UsedValue.
type UsageHistoryEntry struct {
	ID                    snowflake.ID      `gorm:"primaryKey"`
	LedgerID              snowflake.ID      `gorm:"not null;index"`
	SubscriptionID        snowflake.ID      `gorm:"not null;index:ix_usage_history_entries_window,priority:1"`
	PrivilegeID           snowflake.ID      `gorm:"not null;index:ix_usage_history_entries_window,priority:2"`
	PlanPrivilegeConfigID snowflake.ID      `gorm:"not null"`
	EntryType             EntryType         `gorm:"type:text;not null"`
	UsedAmount            int64             `gorm:"not null"`
	UsedAt                time.Time         `gorm:"not null"`
	UsageDate             string            `gorm:"type:text;not null;index:ix_usage_history_entries_window,priority:3"`
	UsageWeek             string            `gorm:"type:text;not null"`
	UsageMonth            string            `gorm:"type:text;not null"`
	ActorID               *string           `gorm:"type:text"`
	IdempotencyKey        *string           `gorm:"type:text"`
	Metadata              datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt             time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UsageHistoryEntry) TableName() string { return "usage_history_entries" }
