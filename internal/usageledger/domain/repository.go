package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/telecare/internal/period"
	"github.com/smallbiznis/telecare/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	// FindCurrent returns the latest ledger of the subscription's privilege
	// not yet closed, whichever configuration version it was opened under.
	FindCurrent(ctx context.Context, db *gorm.DB, subscriptionID, privilegeID snowflake.ID) (*UsageLedger, error)
	// FindCurrentForUpdate is FindCurrent with a row lock where the dialect supports it.
	FindCurrentForUpdate(ctx context.Context, db *gorm.DB, subscriptionID, privilegeID snowflake.ID) (*UsageLedger, error)
	FindByPeriod(ctx context.Context, db *gorm.DB, subscriptionID, configID snowflake.ID, periodStart time.Time) (*UsageLedger, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UsageLedger, error)
	// Insert creates the ledger unless one already exists for the period.
	Insert(ctx context.Context, db *gorm.DB, ledger *UsageLedger) (bool, error)
	Close(ctx context.Context, db *gorm.DB, id snowflake.ID, closedAt time.Time) error
	// Increment adds amount when it keeps UsedValue within AllowedValue, and
	// within int64 for unlimited ledgers, and reports whether the row was updated.
	Increment(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, at time.Time) (bool, error)
	ResetUsed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error

	InsertEntry(ctx context.Context, db *gorm.DB, entry *UsageHistoryEntry) error
	// SumConsumed totals CONSUME entries of the calendar bucket identified by
	// key across every configuration version of the privilege.
	SumConsumed(ctx context.Context, db *gorm.DB, subscriptionID, privilegeID snowflake.ID, window period.Calendar, key string) (int64, error)
	ListEntries(ctx context.Context, db *gorm.DB, ledgerID snowflake.ID) ([]UsageHistoryEntry, error)
	// ListHistory pages through every entry of a subscription's privilege,
	// newest first, across ledgers and configuration versions.
	ListHistory(ctx context.Context, db *gorm.DB, subscriptionID, privilegeID snowflake.ID, page pagination.Pagination) ([]*UsageHistoryEntry, error)
}

var (
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidActor      = errors.New("invalid_actor")
	ErrGrantExhausted    = errors.New("grant_exhausted")
	ErrNotYetGranted     = errors.New("grant_not_started")
	ErrLedgerClosed      = errors.New("ledger_closed")
	ErrInvalidCalendar   = errors.New("invalid_calendar_window")
	ErrAllowanceExceeded = errors.New("allowance_exceeded")
)
