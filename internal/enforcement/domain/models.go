// Package domain describes the decisions of the privilege enforcement engine.
package domain

import (
	"time"

	"github.com/smallbiznis/telecare/internal/period"
	privilegedomain "github.com/smallbiznis/telecare/internal/privilege/domain"
)

// RejectionReason explains why a consumption was refused.
type RejectionReason string

const (
	ReasonConfigNotFound       RejectionReason = "config_not_found"
	ReasonConfigExpired        RejectionReason = "config_expired"
	ReasonPrivilegeDisabled    RejectionReason = "privilege_disabled"
	ReasonTotalQuotaExceeded   RejectionReason = "total_quota_exceeded"
	ReasonDailyLimitExceeded   RejectionReason = "daily_limit_exceeded"
	ReasonWeeklyLimitExceeded  RejectionReason = "weekly_limit_exceeded"
	ReasonMonthlyLimitExceeded RejectionReason = "monthly_limit_exceeded"
	ReasonTransientFailure     RejectionReason = "transient_failure"
)

// CapReason maps a calendar cap to its rejection reason.
func CapReason(window period.Calendar) RejectionReason {
	switch window {
	case period.CalendarDay:
		return ReasonDailyLimitExceeded
	case period.CalendarWeek:
		return ReasonWeeklyLimitExceeded
	default:
		return ReasonMonthlyLimitExceeded
	}
}

// Rejection carries the numbers behind a refusal. Quota rejections fill
// Used, Limit, Requested and ResetsAt; the others leave them zero.
type Rejection struct {
	Reason    RejectionReason `json:"reason"`
	Used      int64           `json:"used,omitempty"`
	Limit     int64           `json:"limit,omitempty"`
	Requested int64           `json:"requested,omitempty"`
	ResetsAt  *time.Time      `json:"resets_at,omitempty"`
}

// ConsumeResult is either accepted with the remaining total quota or
// rejected with a reason.
type ConsumeResult struct {
	Accepted    bool       `json:"accepted"`
	Remaining   int64      `json:"remaining"`
	IsUnlimited bool       `json:"is_unlimited"`
	Rejection   *Rejection `json:"rejection,omitempty"`
}

func Accepted(remaining int64, unlimited bool) ConsumeResult {
	return ConsumeResult{Accepted: true, Remaining: remaining, IsUnlimited: unlimited}
}

func Rejected(rejection Rejection) ConsumeResult {
	return ConsumeResult{Rejection: &rejection}
}

// Reason returns the rejection reason, or "" when accepted.
func (r ConsumeResult) Reason() RejectionReason {
	if r.Rejection == nil {
		return ""
	}
	return r.Rejection.Reason
}

// WindowRemaining is the state of one calendar cap.
type WindowRemaining struct {
	Window    period.Calendar `json:"window"`
	Limit     int64           `json:"limit"`
	Used      int64           `json:"used"`
	Remaining int64           `json:"remaining"`
	ResetsAt  time.Time       `json:"resets_at"`
}

type RemainingInfo struct {
	SubscriptionID string                         `json:"subscription_id"`
	Privilege      string                         `json:"privilege"`
	State          privilegedomain.AllowanceState `json:"state"`
	IsUnlimited    bool                           `json:"is_unlimited"`
	Total          int64                          `json:"total"`
	Used           int64                          `json:"used"`
	Remaining      int64                          `json:"remaining"`
	PeriodStart    *time.Time                     `json:"period_start,omitempty"`
	PeriodEnd      *time.Time                     `json:"period_end,omitempty"`
	Daily          *WindowRemaining               `json:"daily,omitempty"`
	Weekly         *WindowRemaining               `json:"weekly,omitempty"`
	Monthly        *WindowRemaining               `json:"monthly,omitempty"`
}

// HistoryEntry is one consumption or reset as reported to callers.
type HistoryEntry struct {
	ID             string         `json:"id"`
	LedgerID       string         `json:"ledger_id"`
	Type           string         `json:"type"`
	Amount         int64          `json:"amount"`
	UsedAt         time.Time      `json:"used_at"`
	ActorID        *string        `json:"actor_id,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
