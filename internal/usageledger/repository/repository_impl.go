package repository

import (
	"context"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/telecare/internal/period"
	ledgerdomain "github.com/smallbiznis/telecare/internal/usageledger/domain"
	pkgdb "github.com/smallbiznis/telecare/pkg/db"
	"github.com/smallbiznis/telecare/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// calendarColumns maps cap windows to their history key column.
var calendarColumns = map[period.Calendar]string{
	period.CalendarDay:   "usage_date",
	period.CalendarWeek:  "usage_week",
	period.CalendarMonth: "usage_month",
}

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) FindCurrent(ctx context.Context, db *gorm.DB, subscriptionID, privilegeID snowflake.ID) (*ledgerdomain.UsageLedger, error) {
	return r.findCurrent(db.WithContext(ctx), subscriptionID, privilegeID)
}

func (r *repo) FindCurrentForUpdate(ctx context.Context, db *gorm.DB, subscriptionID, privilegeID snowflake.ID) (*ledgerdomain.UsageLedger, error) {
	return r.findCurrent(pkgdb.ForUpdate(db.WithContext(ctx)), subscriptionID, privilegeID)
}

func (r *repo) findCurrent(db *gorm.DB, subscriptionID, privilegeID snowflake.ID) (*ledgerdomain.UsageLedger, error) {
	var ledgers []ledgerdomain.UsageLedger
	err := db.
		Where("subscription_id = ? AND privilege_id = ? AND closed_at IS NULL", subscriptionID, privilegeID).
		Order("period_start DESC").
		Limit(1).
		Find(&ledgers).Error
	if err != nil {
		return nil, err
	}
	if len(ledgers) == 0 {
		return nil, nil
	}
	return &ledgers[0], nil
}

func (r *repo) FindByPeriod(ctx context.Context, db *gorm.DB, subscriptionID, configID snowflake.ID, periodStart time.Time) (*ledgerdomain.UsageLedger, error) {
	var ledgers []ledgerdomain.UsageLedger
	err := pkgdb.ForUpdate(db.WithContext(ctx)).
		Where("subscription_id = ? AND plan_privilege_config_id = ? AND period_start = ?", subscriptionID, configID, periodStart).
		Limit(1).
		Find(&ledgers).Error
	if err != nil {
		return nil, err
	}
	if len(ledgers) == 0 {
		return nil, nil
	}
	return &ledgers[0], nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ledgerdomain.UsageLedger, error) {
	var ledger ledgerdomain.UsageLedger
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, privilege_id, plan_privilege_config_id, period_start, period_end,
		 used_value, allowed_value, status, last_used_at, closed_at, created_at, updated_at
		 FROM usage_ledgers WHERE id = ?`,
		id,
	).Scan(&ledger).Error
	if err != nil {
		return nil, err
	}
	if ledger.ID == 0 {
		return nil, nil
	}
	return &ledger, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, ledger *ledgerdomain.UsageLedger) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(ledger)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Close(ctx context.Context, db *gorm.DB, id snowflake.ID, closedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_ledgers
		 SET status = ?, closed_at = ?, updated_at = ?
		 WHERE id = ? AND closed_at IS NULL`,
		ledgerdomain.LedgerStatusClosed,
		closedAt,
		closedAt,
		id,
	).Error
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, at time.Time) (bool, error) {
	if amount <= 0 {
		return false, ledgerdomain.ErrInvalidAmount
	}
	// Comparisons are written as differences so that no intermediate sum can
	// overflow. status is assigned first: MySQL evaluates SET clauses left to right.
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_ledgers
		 SET status = CASE WHEN allowed_value <> -1 AND ? >= allowed_value - used_value THEN ? ELSE ? END,
		     used_value = used_value + ?,
		     last_used_at = ?,
		     updated_at = ?
		 WHERE id = ?
		   AND closed_at IS NULL
		   AND used_value <= ?
		   AND (allowed_value = -1 OR ? <= allowed_value - used_value)`,
		amount,
		ledgerdomain.LedgerStatusExhausted,
		ledgerdomain.LedgerStatusOpen,
		amount,
		at,
		at,
		id,
		math.MaxInt64-amount,
		amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ResetUsed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_ledgers
		 SET used_value = 0, status = ?, updated_at = ?
		 WHERE id = ? AND closed_at IS NULL`,
		ledgerdomain.LedgerStatusOpen,
		at,
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ledgerdomain.ErrLedgerClosed
	}
	return nil
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *ledgerdomain.UsageHistoryEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_history_entries (
			id, ledger_id, subscription_id, privilege_id, plan_privilege_config_id, entry_type, used_amount,
			used_at, usage_date, usage_week, usage_month, actor_id, idempotency_key, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.LedgerID,
		entry.SubscriptionID,
		entry.PrivilegeID,
		entry.PlanPrivilegeConfigID,
		entry.EntryType,
		entry.UsedAmount,
		entry.UsedAt,
		entry.UsageDate,
		entry.UsageWeek,
		entry.UsageMonth,
		entry.ActorID,
		entry.IdempotencyKey,
		entry.Metadata,
		entry.CreatedAt,
	).Error
}

func (r *repo) SumConsumed(ctx context.Context, db *gorm.DB, subscriptionID, privilegeID snowflake.ID, window period.Calendar, key string) (int64, error) {
	column, ok := calendarColumns[window]
	if !ok {
		return 0, ledgerdomain.ErrInvalidCalendar
	}

	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(used_amount), 0)
		 FROM usage_history_entries
		 WHERE subscription_id = ? AND privilege_id = ? AND entry_type = ? AND `+column+` = ?`,
		subscriptionID,
		privilegeID,
		ledgerdomain.EntryTypeConsume,
		key,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, ledgerID snowflake.ID) ([]ledgerdomain.UsageHistoryEntry, error) {
	var entries []ledgerdomain.UsageHistoryEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, ledger_id, subscription_id, privilege_id, plan_privilege_config_id, entry_type, used_amount,
		 used_at, usage_date, usage_week, usage_month, actor_id, idempotency_key, metadata, created_at
		 FROM usage_history_entries
		 WHERE ledger_id = ?
		 ORDER BY used_at ASC, id ASC`,
		ledgerID,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ListHistory returns up to page.Limit()+1 rows so callers can tell whether
// another page follows.
func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, subscriptionID, privilegeID snowflake.ID, page pagination.Pagination) ([]*ledgerdomain.UsageHistoryEntry, error) {
	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return nil, err
	}

	stmt := db.WithContext(ctx).
		Model(&ledgerdomain.UsageHistoryEntry{}).
		Where("subscription_id = ? AND privilege_id = ?", subscriptionID, privilegeID)
	if cursor != nil {
		before, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		stmt = stmt.Where("id < ?", before)
	}

	var entries []*ledgerdomain.UsageHistoryEntry
	err = stmt.
		Order("id DESC").
		Limit(page.Limit() + 1).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
