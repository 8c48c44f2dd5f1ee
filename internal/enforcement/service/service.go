package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/telecare/internal/clock"
	"github.com/smallbiznis/telecare/internal/config"
	enforcementdomain "github.com/smallbiznis/telecare/internal/enforcement/domain"
	"github.com/smallbiznis/telecare/internal/enforcement/lock"
	"github.com/smallbiznis/telecare/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/telecare/internal/observability/metrics"
	"github.com/smallbiznis/telecare/internal/observability/tracing"
	"github.com/smallbiznis/telecare/internal/period"
	privilegedomain "github.com/smallbiznis/telecare/internal/privilege/domain"
	ledgerdomain "github.com/smallbiznis/telecare/internal/usageledger/domain"
	ledgerservice "github.com/smallbiznis/telecare/internal/usageledger/service"
	pkgdb "github.com/smallbiznis/telecare/pkg/db"
	"github.com/smallbiznis/telecare/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// capWindows is the order calendar caps are checked in.
var capWindows = []period.Calendar{
	period.CalendarDay,
	period.CalendarWeek,
	period.CalendarMonth,
}

// errRejected unwinds the transaction of a rejected consumption.
var errRejected = errors.New("consumption_rejected")

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Resolver privilegedomain.Resolver
	Ledgers  *ledgerservice.Manager
	Locker   lock.Locker
	Settings *config.EnforcementConfigHolder

	Metrics            *obsmetrics.Metrics            `optional:"true"`
	EnforcementMetrics *obsmetrics.EnforcementMetrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock    clock.Clock
	resolver privilegedomain.Resolver
	ledgers  *ledgerservice.Manager
	locker   lock.Locker
	settings *config.EnforcementConfigHolder

	metrics            *obsmetrics.Metrics
	enforcementMetrics *obsmetrics.EnforcementMetrics
	tracer             trace.Tracer
}

func NewService(p ServiceParam) enforcementdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("enforcement.service"),

		clock:    p.Clock,
		resolver: p.Resolver,
		ledgers:  p.Ledgers,
		locker:   p.Locker,
		settings: p.Settings,

		metrics:            p.Metrics,
		enforcementMetrics: p.EnforcementMetrics,
		tracer:             otel.Tracer("telecare/enforcement"),
	}
}

func (s *Service) TryConsume(ctx context.Context, req enforcementdomain.ConsumeRequest) (enforcementdomain.ConsumeResult, error) {
	subscriptionID, privilege, err := parseTarget(req.SubscriptionID, req.Privilege)
	if err != nil {
		return enforcementdomain.ConsumeResult{}, err
	}
	if req.Amount <= 0 {
		return enforcementdomain.ConsumeResult{}, enforcementdomain.ErrInvalidAmount
	}

	settings := s.settings.Get()
	ctx, cancel := context.WithTimeout(ctx, settings.StorageTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "enforcement.TryConsume", trace.WithAttributes(
		tracing.SafeAttributes(
			attribute.String("privilege", privilege),
			attribute.Int64("amount", req.Amount),
			attribute.Bool("idempotency_key_present", req.IdempotencyKey != nil),
		)...,
	))
	defer span.End()

	ctx = logger.ContextWithSubscription(ctx, req.SubscriptionID, privilege)
	log := logger.WithContext(ctx, s.log)
	now := s.clock.Now()
	started := time.Now()

	result, err := s.tryConsume(ctx, subscriptionID, privilege, req, now, settings)
	if err != nil {
		cause, transient := transientCause(err)
		if !transient {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "consume failed")
			log.Error("privilege consumption failed", zap.Error(err))
			return enforcementdomain.ConsumeResult{}, err
		}
		s.enforcementMetrics.IncTransientFailure(cause)
		log.Warn("privilege consumption hit a transient failure",
			zap.String("cause", cause),
			zap.Error(err),
		)
		result = enforcementdomain.Rejected(enforcementdomain.Rejection{Reason: enforcementdomain.ReasonTransientFailure})
	}

	outcome := obsmetrics.OutcomeAccepted
	if !result.Accepted {
		outcome = string(result.Reason())
	}
	s.metrics.RecordConsume(ctx, privilege, outcome, req.Amount)
	s.enforcementMetrics.ObserveCriticalSection(outcome, time.Since(started))
	span.SetAttributes(attribute.String("outcome", outcome))

	if result.Accepted {
		log.Debug("privilege consumed",
			zap.Int64("amount", req.Amount),
			zap.Int64("remaining", result.Remaining),
		)
	} else {
		log.Info("privilege consumption rejected",
			zap.String("reason", outcome),
			zap.Int64("amount", req.Amount),
		)
	}
	return result, nil
}

func (s *Service) tryConsume(
	ctx context.Context,
	subscriptionID snowflake.ID,
	privilege string,
	req enforcementdomain.ConsumeRequest,
	now time.Time,
	settings config.EnforcementConfig,
) (enforcementdomain.ConsumeResult, error) {
	res, err := s.resolver.Resolve(ctx, subscriptionID, privilege, now)
	switch {
	case errors.Is(err, privilegedomain.ErrConfigNotFound):
		return reject(enforcementdomain.ReasonConfigNotFound), nil
	case errors.Is(err, privilegedomain.ErrConfigExpired):
		return reject(enforcementdomain.ReasonConfigExpired), nil
	case err != nil:
		return enforcementdomain.ConsumeResult{}, err
	}

	if res.Config.IsDisabled() {
		return reject(enforcementdomain.ReasonPrivilegeDisabled), nil
	}

	unlock, err := s.lock(ctx, lock.Key(res.Subscription.ID, res.Privilege.ID), settings.LockWaitTimeout)
	if err != nil {
		return enforcementdomain.ConsumeResult{}, err
	}
	defer unlock()

	chain := chainFor(res)
	var result enforcementdomain.ConsumeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger, err := s.ledgers.CurrentLedger(ctx, tx, chain, now)
		switch {
		case errors.Is(err, ledgerdomain.ErrGrantExhausted):
			result = reject(enforcementdomain.ReasonConfigExpired)
			return errRejected
		case errors.Is(err, ledgerdomain.ErrNotYetGranted):
			result = reject(enforcementdomain.ReasonConfigNotFound)
			return errRejected
		case err != nil:
			return err
		}

		if !ledger.IsUnlimited() && ledger.Remaining() < req.Amount {
			result = quotaRejection(ledger, req.Amount)
			return errRejected
		}

		for _, window := range capWindows {
			limit := capLimit(res.Config, window)
			if limit == nil {
				continue
			}
			used, err := s.ledgers.WindowUsage(ctx, tx, chain, window, now)
			if err != nil {
				return err
			}
			if req.Amount > *limit-used {
				resetsAt := window.ResetsAt(now)
				result = enforcementdomain.Rejected(enforcementdomain.Rejection{
					Reason:    enforcementdomain.CapReason(window),
					Used:      used,
					Limit:     *limit,
					Requested: req.Amount,
					ResetsAt:  &resetsAt,
				})
				return errRejected
			}
		}

		err = s.ledgers.Consume(ctx, tx, ledger, ledgerservice.Consumption{
			Amount:         req.Amount,
			At:             now,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
		})
		if errors.Is(err, ledgerdomain.ErrAllowanceExceeded) {
			result = quotaRejection(ledger, req.Amount)
			return errRejected
		}
		if err != nil {
			return err
		}

		result = enforcementdomain.Accepted(ledger.Remaining(), ledger.IsUnlimited())
		return nil
	})
	if errors.Is(err, errRejected) {
		return result, nil
	}
	if err != nil {
		return enforcementdomain.ConsumeResult{}, err
	}
	return result, nil
}

func (s *Service) GetRemaining(ctx context.Context, req enforcementdomain.RemainingRequest) (enforcementdomain.RemainingInfo, error) {
	subscriptionID, privilege, err := parseTarget(req.SubscriptionID, req.Privilege)
	if err != nil {
		return enforcementdomain.RemainingInfo{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.settings.Get().StorageTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "enforcement.GetRemaining", trace.WithAttributes(
		attribute.String("privilege", privilege),
	))
	defer span.End()

	at := req.At
	if at.IsZero() {
		at = s.clock.Now()
	}

	res, err := s.resolver.Resolve(ctx, subscriptionID, privilege, at)
	if err != nil {
		return enforcementdomain.RemainingInfo{}, err
	}

	info := enforcementdomain.RemainingInfo{
		SubscriptionID: res.Subscription.ID.String(),
		Privilege:      res.Privilege.Code,
		State:          res.Config.State(),
		Total:          res.Config.TotalAllowance,
	}
	if res.Config.IsDisabled() {
		return info, nil
	}

	chain := chainFor(res)
	ledger, err := s.ledgers.ProjectLedger(ctx, s.db, chain, at)
	switch {
	case errors.Is(err, ledgerdomain.ErrGrantExhausted):
		return enforcementdomain.RemainingInfo{}, privilegedomain.ErrConfigExpired
	case errors.Is(err, ledgerdomain.ErrNotYetGranted):
		return enforcementdomain.RemainingInfo{}, privilegedomain.ErrConfigNotFound
	case err != nil:
		return enforcementdomain.RemainingInfo{}, err
	}

	periodStart, periodEnd := ledger.PeriodStart, ledger.PeriodEnd
	// The open ledger's snapshot governs until rollover.
	info.Total = ledger.AllowedValue
	info.State = privilegedomain.AllowanceStateLimited
	if ledger.IsUnlimited() {
		info.State = privilegedomain.AllowanceStateUnlimited
	}
	info.IsUnlimited = ledger.IsUnlimited()
	info.Used = ledger.UsedValue
	info.Remaining = ledger.Remaining()
	info.PeriodStart = &periodStart
	info.PeriodEnd = &periodEnd

	for _, window := range capWindows {
		limit := capLimit(res.Config, window)
		if limit == nil {
			continue
		}
		used, err := s.ledgers.WindowUsage(ctx, s.db, chain, window, at)
		if err != nil {
			return enforcementdomain.RemainingInfo{}, err
		}
		remaining := *limit - used
		if remaining < 0 {
			remaining = 0
		}
		state := &enforcementdomain.WindowRemaining{
			Window:    window,
			Limit:     *limit,
			Used:      used,
			Remaining: remaining,
			ResetsAt:  window.ResetsAt(at),
		}
		switch window {
		case period.CalendarDay:
			info.Daily = state
		case period.CalendarWeek:
			info.Weekly = state
		case period.CalendarMonth:
			info.Monthly = state
		}
	}
	return info, nil
}

func (s *Service) ResetUsage(ctx context.Context, req enforcementdomain.ResetRequest) error {
	subscriptionID, privilege, err := parseTarget(req.SubscriptionID, req.Privilege)
	if err != nil {
		return err
	}
	actorID := strings.TrimSpace(req.ActorID)
	if actorID == "" {
		return enforcementdomain.ErrInvalidActor
	}

	settings := s.settings.Get()
	ctx, cancel := context.WithTimeout(ctx, settings.StorageTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "enforcement.ResetUsage", trace.WithAttributes(
		attribute.String("privilege", privilege),
	))
	defer span.End()

	ctx = logger.ContextWithSubscription(ctx, req.SubscriptionID, privilege)
	log := logger.WithContext(ctx, s.log)
	now := s.clock.Now()

	res, err := s.resolver.ResolveLatest(ctx, subscriptionID, privilege)
	if err != nil {
		return err
	}

	unlock, err := s.lock(ctx, lock.Key(res.Subscription.ID, res.Privilege.ID), settings.LockWaitTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	chain := chainFor(res)
	var (
		ledgerID snowflake.ID
		cleared  int64
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger, err := s.ledgers.OpenLedger(ctx, tx, chain, now)
		if err != nil || ledger == nil {
			return err
		}
		ledgerID = ledger.ID
		cleared, err = s.ledgers.Reset(ctx, tx, ledger, actorID, now)
		return err
	})
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "reset failed")
		return err
	}

	if ledgerID == 0 {
		log.Info("privilege usage reset skipped, no ledger covers the current period", zap.String("actor_id", actorID))
		return nil
	}

	s.metrics.RecordReset(ctx, privilege)
	log.Info("privilege usage reset",
		zap.String("actor_id", actorID),
		zap.String("ledger_id", ledgerID.String()),
		zap.Int64("previous_used", cleared),
	)
	return nil
}

func (s *Service) ListHistory(ctx context.Context, req enforcementdomain.HistoryRequest) (enforcementdomain.HistoryResponse, error) {
	subscriptionID, privilege, err := parseTarget(req.SubscriptionID, req.Privilege)
	if err != nil {
		return enforcementdomain.HistoryResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.settings.Get().StorageTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "enforcement.ListHistory", trace.WithAttributes(
		attribute.String("privilege", privilege),
	))
	defer span.End()

	res, err := s.resolver.ResolveLatest(ctx, subscriptionID, privilege)
	if err != nil {
		return enforcementdomain.HistoryResponse{}, err
	}

	entries, pageInfo, err := s.ledgers.History(ctx, s.db, res.Subscription.ID, res.Privilege.ID, pagination.Pagination{
		PageToken: strings.TrimSpace(req.PageToken),
		PageSize:  req.PageSize,
	})
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "history failed")
		return enforcementdomain.HistoryResponse{}, err
	}

	resp := enforcementdomain.HistoryResponse{
		Entries: make([]enforcementdomain.HistoryEntry, 0, len(entries)),
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		resp.Entries = append(resp.Entries, enforcementdomain.HistoryEntry{
			ID:             entry.ID.String(),
			LedgerID:       entry.LedgerID.String(),
			Type:           string(entry.EntryType),
			Amount:         entry.UsedAmount,
			UsedAt:         entry.UsedAt.UTC(),
			ActorID:        entry.ActorID,
			IdempotencyKey: entry.IdempotencyKey,
			Metadata:       entry.Metadata,
		})
	}
	return resp, nil
}

func (s *Service) lock(ctx context.Context, key string, wait time.Duration) (lock.Unlock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	started := time.Now()
	unlock, err := s.locker.Lock(lockCtx, key)
	s.enforcementMetrics.ObserveLockWait(s.locker.Backend(), time.Since(started))
	if err != nil {
		return nil, err
	}
	return unlock, nil
}

func parseTarget(rawSubscriptionID, rawPrivilege string) (snowflake.ID, string, error) {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(rawSubscriptionID))
	if err != nil || subscriptionID <= 0 {
		return 0, "", enforcementdomain.ErrInvalidSubscription
	}
	privilege := strings.TrimSpace(rawPrivilege)
	if privilege == "" {
		return 0, "", enforcementdomain.ErrInvalidPrivilege
	}
	return subscriptionID, privilege, nil
}

func chainFor(res privilegedomain.Resolution) ledgerservice.Chain {
	return ledgerservice.Chain{
		SubscriptionID: res.Subscription.ID,
		PrivilegeID:    res.Privilege.ID,
		ConfigID:       res.Config.ID,
		Allowance:      res.Config.TotalAllowance,
		Schedule:       res.Schedule,
	}
}

func capLimit(cfg privilegedomain.PlanPrivilegeConfig, window period.Calendar) *int64 {
	switch window {
	case period.CalendarDay:
		return cfg.DailyLimit
	case period.CalendarWeek:
		return cfg.WeeklyLimit
	case period.CalendarMonth:
		return cfg.MonthlyLimit
	}
	return nil
}

func reject(reason enforcementdomain.RejectionReason) enforcementdomain.ConsumeResult {
	return enforcementdomain.Rejected(enforcementdomain.Rejection{Reason: reason})
}

func quotaRejection(ledger *ledgerdomain.UsageLedger, requested int64) enforcementdomain.ConsumeResult {
	resetsAt := ledger.PeriodEnd
	return enforcementdomain.Rejected(enforcementdomain.Rejection{
		Reason:    enforcementdomain.ReasonTotalQuotaExceeded,
		Used:      ledger.UsedValue,
		Limit:     ledger.AllowedValue,
		Requested: requested,
		ResetsAt:  &resetsAt,
	})
}

// transientCause classifies failures a caller may retry later.
func transientCause(err error) (string, bool) {
	switch {
	case errors.Is(err, lock.ErrLockTimeout):
		return obsmetrics.TransientCauseLockTimeout, true
	case errors.Is(err, context.DeadlineExceeded):
		return obsmetrics.TransientCauseDeadlineExceeded, true
	case pkgdb.IsSerializationErr(err):
		return obsmetrics.TransientCauseSerializationFailure, true
	case pkgdb.IsTransientErr(err):
		return obsmetrics.TransientCauseDBLockTimeout, true
	}
	return "", false
}

// IsTransient reports whether err is a storage or lock failure worth retrying.
func IsTransient(err error) bool {
	_, ok := transientCause(err)
	return ok
}
