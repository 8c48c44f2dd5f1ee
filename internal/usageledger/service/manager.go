package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/telecare/internal/observability/metrics"
	"github.com/smallbiznis/telecare/internal/period"
	ledgerdomain "github.com/smallbiznis/telecare/internal/usageledger/domain"
	"github.com/smallbiznis/telecare/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Chain identifies the sequence of ledgers of one subscription and
// privilege, one ledger per usage period. ConfigID, Allowance and Schedule
// come from the configuration version in force and only shape ledgers opened
// from now on.
type Chain struct {
	SubscriptionID snowflake.ID
	PrivilegeID    snowflake.ID
	ConfigID       snowflake.ID
	Allowance      int64
	Schedule       period.Schedule
}

// Consumption is one accepted use of a privilege.
type Consumption struct {
	Amount         int64
	At             time.Time
	IdempotencyKey *string
	Metadata       map[string]any
}

type ManagerParam struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    ledgerdomain.Repository
	Metrics *obsmetrics.EnforcementMetrics `optional:"true"`
}

type Manager struct {
	log *zap.Logger

	genID   *snowflake.Node
	repo    ledgerdomain.Repository
	metrics *obsmetrics.EnforcementMetrics
}

func NewManager(p ManagerParam) *Manager {
	return &Manager{
		log: p.Log.Named("usageledger.manager"),

		genID:   p.GenID,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// CurrentLedger returns the ledger whose period contains now, closing an
// expired ledger and opening the next one when the period has rolled over.
// An open ledger keeps its allowance snapshot and period until it expires,
// even when a newer configuration version is in force.
// tx must be the caller's transaction; the current row is locked on
// dialects with row locks.
func (m *Manager) CurrentLedger(ctx context.Context, tx *gorm.DB, chain Chain, now time.Time) (*ledgerdomain.UsageLedger, error) {
	current, err := m.repo.FindCurrentForUpdate(ctx, tx, chain.SubscriptionID, chain.PrivilegeID)
	if err != nil {
		return nil, err
	}
	// A clock behind the open period keeps writing to it.
	if current != nil && (current.Covers(now) || now.Before(current.PeriodStart)) {
		return current, nil
	}

	window, err := nextWindow(chain, current, now)
	if err != nil {
		return nil, err
	}

	if current != nil {
		if err := m.repo.Close(ctx, tx, current.ID, now); err != nil {
			return nil, err
		}
		m.metrics.IncRollover()
		m.log.Info("usage ledger rolled over",
			zap.String("ledger_id", current.ID.String()),
			zap.String("subscription_id", chain.SubscriptionID.String()),
			zap.String("privilege_id", chain.PrivilegeID.String()),
			zap.String("previous_config_id", current.PlanPrivilegeConfigID.String()),
			zap.String("config_id", chain.ConfigID.String()),
			zap.Int64("used_value", current.UsedValue),
			zap.Time("period_end", current.PeriodEnd),
			zap.Time("next_period_start", window.Start),
		)
	}

	ledger := newLedger(chain, window, now)
	ledger.ID = m.genID.Generate()
	inserted, err := m.repo.Insert(ctx, tx, ledger)
	if err != nil {
		return nil, err
	}
	if inserted {
		return ledger, nil
	}

	existing, err := m.repo.FindByPeriod(ctx, tx, chain.SubscriptionID, chain.ConfigID, window.Start)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("usage ledger for period %s vanished after conflict", window.Start.Format(time.RFC3339))
	}
	if existing.ClosedAt != nil {
		return nil, ledgerdomain.ErrLedgerClosed
	}
	return existing, nil
}

// ProjectLedger is CurrentLedger without writes: a period that has no ledger
// yet is returned as an unsaved ledger with nothing used.
func (m *Manager) ProjectLedger(ctx context.Context, db *gorm.DB, chain Chain, now time.Time) (ledgerdomain.UsageLedger, error) {
	current, err := m.repo.FindCurrent(ctx, db, chain.SubscriptionID, chain.PrivilegeID)
	if err != nil {
		return ledgerdomain.UsageLedger{}, err
	}
	if current != nil && current.Covers(now) {
		return *current, nil
	}
	if current != nil && now.Before(current.PeriodStart) {
		current = nil
	}

	window, err := nextWindow(chain, current, now)
	if err != nil {
		return ledgerdomain.UsageLedger{}, err
	}
	return *newLedger(chain, window, now), nil
}

func newLedger(chain Chain, window period.Window, now time.Time) *ledgerdomain.UsageLedger {
	return &ledgerdomain.UsageLedger{
		SubscriptionID:        chain.SubscriptionID,
		PrivilegeID:           chain.PrivilegeID,
		PlanPrivilegeConfigID: chain.ConfigID,
		PeriodStart:           window.Start,
		PeriodEnd:             window.End,
		UsedValue:             0,
		AllowedValue:          chain.Allowance,
		Status:                ledgerdomain.LedgerStatusOpen,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// nextWindow locates the period containing now. When a configuration change
// moved the period boundaries, the new period starts where the expired
// ledger ended; periods of one privilege never overlap.
func nextWindow(chain Chain, expired *ledgerdomain.UsageLedger, now time.Time) (period.Window, error) {
	window, err := locate(chain, now)
	if err != nil {
		return period.Window{}, err
	}
	if expired != nil && window.Start.Before(expired.PeriodEnd) {
		window.Start = expired.PeriodEnd
	}
	return window, nil
}

// Consume increments the ledger and appends the matching history entry.
// The increment is conditional on the allowance, so a lost race surfaces as
// ErrAllowanceExceeded instead of overdrawing the ledger.
func (m *Manager) Consume(ctx context.Context, tx *gorm.DB, ledger *ledgerdomain.UsageLedger, c Consumption) error {
	if c.Amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	if c.Amount > math.MaxInt64-ledger.UsedValue {
		return ledgerdomain.ErrAllowanceExceeded
	}

	ok, err := m.repo.Increment(ctx, tx, ledger.ID, c.Amount, c.At)
	if err != nil {
		return err
	}
	if !ok {
		return ledgerdomain.ErrAllowanceExceeded
	}

	entry := m.newEntry(ledger, ledgerdomain.EntryTypeConsume, c.Amount, c.At)
	entry.IdempotencyKey = c.IdempotencyKey
	if len(c.Metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(c.Metadata)
	}
	if err := m.repo.InsertEntry(ctx, tx, entry); err != nil {
		return err
	}

	at := c.At
	ledger.UsedValue += c.Amount
	ledger.Status = ledger.StatusFor(ledger.UsedValue)
	ledger.LastUsedAt = &at
	return nil
}

// Reset zeroes the ledger and appends a compensating RESET entry attributed
// to actorID. It returns the amount that was cleared.
func (m *Manager) Reset(ctx context.Context, tx *gorm.DB, ledger *ledgerdomain.UsageLedger, actorID string, now time.Time) (int64, error) {
	if actorID == "" {
		return 0, ledgerdomain.ErrInvalidActor
	}
	previous := ledger.UsedValue
	if previous == 0 {
		return 0, nil
	}

	if err := m.repo.ResetUsed(ctx, tx, ledger.ID, now); err != nil {
		return 0, err
	}

	entry := m.newEntry(ledger, ledgerdomain.EntryTypeReset, -previous, now)
	entry.ActorID = &actorID
	if err := m.repo.InsertEntry(ctx, tx, entry); err != nil {
		return 0, err
	}

	ledger.UsedValue = 0
	ledger.Status = ledgerdomain.LedgerStatusOpen
	return previous, nil
}

// WindowUsage totals consumption of the subscription's privilege in the
// calendar bucket containing now, across configuration versions.
func (m *Manager) WindowUsage(ctx context.Context, db *gorm.DB, chain Chain, window period.Calendar, now time.Time) (int64, error) {
	return m.repo.SumConsumed(ctx, db, chain.SubscriptionID, chain.PrivilegeID, window, window.Key(now))
}

func (m *Manager) newEntry(ledger *ledgerdomain.UsageLedger, entryType ledgerdomain.EntryType, amount int64, at time.Time) *ledgerdomain.UsageHistoryEntry {
	return &ledgerdomain.UsageHistoryEntry{
		ID:                    m.genID.Generate(),
		LedgerID:              ledger.ID,
		SubscriptionID:        ledger.SubscriptionID,
		PrivilegeID:           ledger.PrivilegeID,
		PlanPrivilegeConfigID: ledger.PlanPrivilegeConfigID,
		EntryType:             entryType,
		UsedAmount:            amount,
		UsedAt:                at,
		UsageDate:             period.DayKey(at),
		UsageWeek:             period.WeekKey(at),
		UsageMonth:            period.MonthKey(at),
		CreatedAt:             at,
	}
}

func locate(chain Chain, now time.Time) (period.Window, error) {
	window, err := chain.Schedule.Locate(now)
	switch {
	case errors.Is(err, period.ErrGrantEnded):
		return period.Window{}, ledgerdomain.ErrGrantExhausted
	case errors.Is(err, period.ErrBeforeAnchor):
		return period.Window{}, ledgerdomain.ErrNotYetGranted
	case err != nil:
		return period.Window{}, err
	}
	return window, nil
}

// OpenLedger returns the ledger whose period contains now, locking it where
// the dialect supports row locks. It never rolls over: a ledger whose period
// has already ended is left for the next consumption to close, and nil is
// returned.
func (m *Manager) OpenLedger(ctx context.Context, tx *gorm.DB, chain Chain, now time.Time) (*ledgerdomain.UsageLedger, error) {
	current, err := m.repo.FindCurrentForUpdate(ctx, tx, chain.SubscriptionID, chain.PrivilegeID)
	if err != nil || current == nil {
		return nil, err
	}
	if !now.Before(current.PeriodEnd) {
		return nil, nil
	}
	return current, nil
}

// History returns one page of usage entries for a subscription's privilege,
// newest first.
func (m *Manager) History(ctx context.Context, db *gorm.DB, subscriptionID, privilegeID snowflake.ID, page pagination.Pagination) ([]*ledgerdomain.UsageHistoryEntry, *pagination.PageInfo, error) {
	limit := page.Limit()
	entries, err := m.repo.ListHistory(ctx, db, subscriptionID, privilegeID, page)
	if err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(entries, limit, func(entry *ledgerdomain.UsageHistoryEntry) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        entry.ID.String(),
			CreatedAt: entry.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, pageInfo, nil
}
