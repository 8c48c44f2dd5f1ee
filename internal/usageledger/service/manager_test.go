package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/telecare/internal/period"
	ledgerdomain "github.com/smallbiznis/telecare/internal/usageledger/domain"
	"github.com/smallbiznis/telecare/internal/usageledger/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var jan1 = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	if err := db.AutoMigrate(&ledgerdomain.UsageLedger{}, &ledgerdomain.UsageHistoryEntry{}); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newTestManager(t *testing.T) (*Manager, ledgerdomain.Repository, *gorm.DB) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	repo := repository.Provide()
	return NewManager(ManagerParam{
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repo,
	}), repo, setupTestDB(t)
}

func monthlyChain(allowance int64, durationMonths *int) Chain {
	return Chain{
		SubscriptionID: 10,
		PrivilegeID:    30,
		ConfigID:       20,
		Allowance:      allowance,
		Schedule: period.Schedule{
			Anchor:   jan1,
			Length:   period.Length{Unit: period.UnitMonth, Count: 1},
			GrantEnd: period.GrantEnd(jan1, durationMonths),
		},
	}
}

func intPtr(v int) *int { return &v }

func TestCurrentLedgerCreatesFirstPeriod(t *testing.T) {
	m, _, db := newTestManager(t)
	ctx := context.Background()
	now := jan1.Add(36 * time.Hour)

	ledger, err := m.CurrentLedger(ctx, db, monthlyChain(5, nil), now)
	require.NoError(t, err)
	assert.True(t, ledger.PeriodStart.Equal(jan1))
	assert.True(t, ledger.PeriodEnd.Equal(time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(5), ledger.AllowedValue)
	assert.Equal(t, int64(0), ledger.UsedValue)
	assert.Equal(t, ledgerdomain.LedgerStatusOpen, ledger.Status)

	again, err := m.CurrentLedger(ctx, db, monthlyChain(5, nil), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ledger.ID, again.ID)
}

func TestCurrentLedgerRollsOver(t *testing.T) {
	m, repo, db := newTestManager(t)
	ctx := context.Background()
	chain := monthlyChain(5, nil)

	first, err := m.CurrentLedger(ctx, db, chain, jan1.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, db, first, Consumption{Amount: 3, At: jan1.Add(time.Hour)}))

	march := time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)
	next, err := m.CurrentLedger(ctx, db, chain, march)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)
	assert.True(t, next.PeriodStart.Equal(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(0), next.UsedValue)
	assert.Equal(t, int64(5), next.Remaining())

	closed, err := repo.FindByID(ctx, db, first.ID)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, ledgerdomain.LedgerStatusClosed, closed.Status)
	assert.NotNil(t, closed.ClosedAt)
	assert.Equal(t, int64(3), closed.UsedValue)
}

func TestCurrentLedgerAfterGrantEnd(t *testing.T) {
	m, repo, db := newTestManager(t)
	ctx := context.Background()
	chain := monthlyChain(5, intPtr(2))

	first, err := m.CurrentLedger(ctx, db, chain, jan1)
	require.NoError(t, err)

	_, err = m.CurrentLedger(ctx, db, chain, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, ledgerdomain.ErrGrantExhausted)

	current, err := repo.FindCurrent(ctx, db, chain.SubscriptionID, chain.PrivilegeID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, first.ID, current.ID)
}

func TestCurrentLedgerBeforeAnchor(t *testing.T) {
	m, _, db := newTestManager(t)

	_, err := m.CurrentLedger(context.Background(), db, monthlyChain(5, nil), jan1.Add(-time.Second))
	assert.ErrorIs(t, err, ledgerdomain.ErrNotYetGranted)
}

func TestCurrentLedgerReusesConcurrentInsert(t *testing.T) {
	m, repo, db := newTestManager(t)
	ctx := context.Background()
	chain := monthlyChain(5, nil)

	existing := &ledgerdomain.UsageLedger{
		ID:                    999,
		SubscriptionID:        chain.SubscriptionID,
		PrivilegeID:           chain.PrivilegeID,
		PlanPrivilegeConfigID: chain.ConfigID,
		PeriodStart:           jan1,
		PeriodEnd:             time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC),
		AllowedValue:          5,
		Status:                ledgerdomain.LedgerStatusOpen,
		CreatedAt:             jan1,
		UpdatedAt:             jan1,
	}
	inserted, err := repo.Insert(ctx, db, existing)
	require.NoError(t, err)
	require.True(t, inserted)

	duplicate := *existing
	duplicate.ID = 1000
	inserted, err = repo.Insert(ctx, db, &duplicate)
	require.NoError(t, err)
	assert.False(t, inserted)

	ledger, err := m.CurrentLedger(ctx, db, chain, jan1.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(999), ledger.ID)
}

func TestConsumeStopsAtAllowance(t *testing.T) {
	m, repo, db := newTestManager(t)
	ctx := context.Background()

	ledger, err := m.CurrentLedger(ctx, db, monthlyChain(3, nil), jan1)
	require.NoError(t, err)

	require.NoError(t, m.Consume(ctx, db, ledger, Consumption{Amount: 2, At: jan1}))
	err = m.Consume(ctx, db, ledger, Consumption{Amount: 2, At: jan1})
	assert.ErrorIs(t, err, ledgerdomain.ErrAllowanceExceeded)
	require.NoError(t, m.Consume(ctx, db, ledger, Consumption{Amount: 1, At: jan1}))

	stored, err := repo.FindByID(ctx, db, ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.UsedValue)
	assert.Equal(t, ledgerdomain.LedgerStatusExhausted, stored.Status)
	assert.Equal(t, ledgerdomain.LedgerStatusExhausted, ledger.Status)

	entries, err := repo.ListEntries(ctx, db, ledger.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var sum int64
	for _, entry := range entries {
		sum += entry.UsedAmount
		assert.Equal(t, ledgerdomain.EntryTypeConsume, entry.EntryType)
		assert.Equal(t, "2026-01-01", entry.UsageDate)
		assert.Equal(t, "2026-01", entry.UsageMonth)
	}
	assert.Equal(t, stored.UsedValue, sum)
}

func TestConsumeUnlimited(t *testing.T) {
	m, repo, db := newTestManager(t)
	ctx := context.Background()

	ledger, err := m.CurrentLedger(ctx, db, monthlyChain(-1, nil), jan1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Consume(ctx, db, ledger, Consumption{Amount: 100, At: jan1}))
	}

	stored, err := repo.FindByID(ctx, db, ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stored.UsedValue)
	assert.Equal(t, ledgerdomain.LedgerStatusOpen, stored.Status)
	assert.Equal(t, ledgerdomain.Unlimited, stored.Remaining())
}

func TestConsumeRejectsNonPositiveAmount(t *testing.T) {
	m, _, db := newTestManager(t)
	ctx := context.Background()

	ledger, err := m.CurrentLedger(ctx, db, monthlyChain(3, nil), jan1)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Consume(ctx, db, ledger, Consumption{Amount: 0, At: jan1}), ledgerdomain.ErrInvalidAmount)
}

func TestResetAppendsCompensatingEntry(t *testing.T) {
	m, repo, db := newTestManager(t)
	ctx := context.Background()
	chain := monthlyChain(3, nil)

	ledger, err := m.CurrentLedger(ctx, db, chain, jan1)
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, db, ledger, Consumption{Amount: 3, At: jan1}))

	_, err = m.Reset(ctx, db, ledger, "", jan1)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidActor)

	cleared, err := m.Reset(ctx, db, ledger, "ops-1", jan1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), cleared)

	stored, err := repo.FindByID(ctx, db, ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.UsedValue)
	assert.Equal(t, ledgerdomain.LedgerStatusOpen, stored.Status)

	entries, err := repo.ListEntries(ctx, db, ledger.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledgerdomain.EntryTypeReset, entries[1].EntryType)
	assert.Equal(t, int64(-3), entries[1].UsedAmount)
	require.NotNil(t, entries[1].ActorID)
	assert.Equal(t, "ops-1", *entries[1].ActorID)

	cleared, err = m.Reset(ctx, db, ledger, "ops-1", jan1.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, cleared)
	entries, err = repo.ListEntries(ctx, db, ledger.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWindowUsageIgnoresResets(t *testing.T) {
	m, _, db := newTestManager(t)
	ctx := context.Background()
	chain := monthlyChain(10, nil)

	ledger, err := m.CurrentLedger(ctx, db, chain, jan1)
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, db, ledger, Consumption{Amount: 2, At: jan1.Add(time.Hour)}))
	require.NoError(t, m.Consume(ctx, db, ledger, Consumption{Amount: 1, At: jan1.Add(26 * time.Hour)}))
	_, err = m.Reset(ctx, db, ledger, "ops-1", jan1.Add(27*time.Hour))
	require.NoError(t, err)

	day, err := m.WindowUsage(ctx, db, chain, period.CalendarDay, jan1.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), day)

	month, err := m.WindowUsage(ctx, db, chain, period.CalendarMonth, jan1.Add(28*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), month)
}

func TestProjectLedgerDoesNotWrite(t *testing.T) {
	m, repo, db := newTestManager(t)
	ctx := context.Background()
	chain := monthlyChain(4, nil)

	projected, err := m.ProjectLedger(ctx, db, chain, jan1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), projected.Remaining())
	assert.True(t, projected.PeriodStart.Equal(jan1))

	current, err := repo.FindCurrent(ctx, db, chain.SubscriptionID, chain.PrivilegeID)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestCurrentLedgerKeepsOpenLedgerAcrossConfigVersions(t *testing.T) {
	m, repo, db := newTestManager(t)
	ctx := context.Background()
	v1 := monthlyChain(2, nil)

	first, err := m.CurrentLedger(ctx, db, v1, jan1.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, db, first, Consumption{Amount: 2, At: jan1.Add(time.Hour)}))

	// The edit takes effect mid-period with a larger allowance and its own anchor.
	edited := jan1.AddDate(0, 0, 14)
	v2 := monthlyChain(5, nil)
	v2.ConfigID = 21
	v2.Schedule.Anchor = edited

	same, err := m.CurrentLedger(ctx, db, v2, edited.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.ID, same.ID)
	assert.Equal(t, snowflake.ID(20), same.PlanPrivilegeConfigID)
	assert.Equal(t, int64(2), same.AllowedValue)
	assert.Zero(t, same.Remaining())
	assert.ErrorIs(t, m.Consume(ctx, db, same, Consumption{Amount: 1, At: edited.Add(time.Hour)}), ledgerdomain.ErrAllowanceExceeded)

	projected, err := m.ProjectLedger(ctx, db, v2, edited.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.ID, projected.ID)

	// Rollover opens the next ledger under the new version, starting where
	// the previous period ended.
	feb2 := time.Date(2026, time.February, 2, 9, 0, 0, 0, time.UTC)
	next, err := m.CurrentLedger(ctx, db, v2, feb2)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)
	assert.Equal(t, snowflake.ID(21), next.PlanPrivilegeConfigID)
	assert.Equal(t, int64(5), next.AllowedValue)
	assert.True(t, next.PeriodStart.Equal(first.PeriodEnd))
	assert.True(t, next.PeriodEnd.Equal(time.Date(2026, time.February, 15, 0, 0, 0, 0, time.UTC)))

	closed, err := repo.FindByID(ctx, db, first.ID)
	require.NoError(t, err)
	assert.NotNil(t, closed.ClosedAt)

	current, err := repo.FindCurrent(ctx, db, v2.SubscriptionID, v2.PrivilegeID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, next.ID, current.ID)
}

func TestWindowUsageSpansConfigVersions(t *testing.T) {
	m, _, db := newTestManager(t)
	ctx := context.Background()
	v1 := monthlyChain(10, nil)

	ledger, err := m.CurrentLedger(ctx, db, v1, jan1.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, db, ledger, Consumption{Amount: 2, At: jan1.Add(time.Hour)}))

	v2 := v1
	v2.ConfigID = 21
	day, err := m.WindowUsage(ctx, db, v2, period.CalendarDay, jan1.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), day)

	other := v1
	other.PrivilegeID = 31
	day, err = m.WindowUsage(ctx, db, other, period.CalendarDay, jan1.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, day)
}

func TestConsumeRejectsOverflow(t *testing.T) {
	m, repo, db := newTestManager(t)
	ctx := context.Background()

	ledger, err := m.CurrentLedger(ctx, db, monthlyChain(-1, nil), jan1)
	require.NoError(t, err)
	require.NoError(t, m.Consume(ctx, db, ledger, Consumption{Amount: 1, At: jan1}))

	err = m.Consume(ctx, db, ledger, Consumption{Amount: math.MaxInt64, At: jan1})
	assert.ErrorIs(t, err, ledgerdomain.ErrAllowanceExceeded)

	ok, err := repo.Increment(ctx, db, ledger.ID, math.MaxInt64, jan1)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.FindByID(ctx, db, ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.UsedValue)
	entries, err := repo.ListEntries(ctx, db, ledger.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenLedgerIgnoresExpiredPeriod(t *testing.T) {
	m, _, db := newTestManager(t)
	ctx := context.Background()
	chain := monthlyChain(5, nil)

	ledger, err := m.CurrentLedger(ctx, db, chain, jan1)
	require.NoError(t, err)

	open, err := m.OpenLedger(ctx, db, chain, jan1.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, ledger.ID, open.ID)

	open, err = m.OpenLedger(ctx, db, chain, ledger.PeriodEnd)
	require.NoError(t, err)
	assert.Nil(t, open)
}
