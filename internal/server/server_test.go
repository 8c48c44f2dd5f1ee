package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	enforcementdomain "github.com/smallbiznis/telecare/internal/enforcement/domain"
	"github.com/smallbiznis/telecare/internal/enforcement/lock"
	"github.com/smallbiznis/telecare/internal/observability"
	privilegedomain "github.com/smallbiznis/telecare/internal/privilege/domain"
	subscriptiondomain "github.com/smallbiznis/telecare/internal/subscription/domain"
	"github.com/smallbiznis/telecare/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnforcementService struct {
	consumeResult enforcementdomain.ConsumeResult
	consumeErr    error
	remaining     enforcementdomain.RemainingInfo
	remainingErr  error
	resetErr      error
	history       enforcementdomain.HistoryResponse
	historyErr    error

	lastConsume   enforcementdomain.ConsumeRequest
	lastRemaining enforcementdomain.RemainingRequest
	lastReset     enforcementdomain.ResetRequest
	lastHistory   enforcementdomain.HistoryRequest
}

func (f *fakeEnforcementService) TryConsume(ctx context.Context, req enforcementdomain.ConsumeRequest) (enforcementdomain.ConsumeResult, error) {
	f.lastConsume = req
	return f.consumeResult, f.consumeErr
}

func (f *fakeEnforcementService) GetRemaining(ctx context.Context, req enforcementdomain.RemainingRequest) (enforcementdomain.RemainingInfo, error) {
	f.lastRemaining = req
	return f.remaining, f.remainingErr
}

func (f *fakeEnforcementService) ResetUsage(ctx context.Context, req enforcementdomain.ResetRequest) error {
	f.lastReset = req
	return f.resetErr
}

func (f *fakeEnforcementService) ListHistory(ctx context.Context, req enforcementdomain.HistoryRequest) (enforcementdomain.HistoryResponse, error) {
	f.lastHistory = req
	return f.history, f.historyErr
}

func newTestServer(svc enforcementdomain.Service) *Server {
	gin.SetMode(gin.TestMode)
	return NewServer(ServerParams{
		Gin:            NewEngine(observability.Config{Environment: "test"}),
		EnforcementSvc: svc,
	})
}

func perform(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestConsumeStatusCodes(t *testing.T) {
	resetsAt := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		result enforcementdomain.ConsumeResult
		want   int
	}{
		{name: "accepted", result: enforcementdomain.Accepted(4, false), want: http.StatusOK},
		{name: "disabled", result: enforcementdomain.Rejected(enforcementdomain.Rejection{Reason: enforcementdomain.ReasonPrivilegeDisabled}), want: http.StatusForbidden},
		{name: "not_found", result: enforcementdomain.Rejected(enforcementdomain.Rejection{Reason: enforcementdomain.ReasonConfigNotFound}), want: http.StatusNotFound},
		{name: "expired", result: enforcementdomain.Rejected(enforcementdomain.Rejection{Reason: enforcementdomain.ReasonConfigExpired}), want: http.StatusGone},
		{name: "quota", result: enforcementdomain.Rejected(enforcementdomain.Rejection{Reason: enforcementdomain.ReasonTotalQuotaExceeded, Used: 5, Limit: 5, Requested: 1, ResetsAt: &resetsAt}), want: http.StatusTooManyRequests},
		{name: "daily", result: enforcementdomain.Rejected(enforcementdomain.Rejection{Reason: enforcementdomain.ReasonDailyLimitExceeded}), want: http.StatusTooManyRequests},
		{name: "transient", result: enforcementdomain.Rejected(enforcementdomain.Rejection{Reason: enforcementdomain.ReasonTransientFailure}), want: http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeEnforcementService{consumeResult: tc.result}
			s := newTestServer(svc)

			w := perform(s, http.MethodPost, "/api/v1/subscriptions/300/privileges/Teleconsultation/consume", map[string]any{
				"amount":          2,
				"idempotency_key": "visit-1",
			})
			require.Equal(t, tc.want, w.Code, w.Body.String())

			var got enforcementdomain.ConsumeResult
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, tc.result.Accepted, got.Accepted)
			assert.Equal(t, tc.result.Reason(), got.Reason())

			assert.Equal(t, "300", svc.lastConsume.SubscriptionID)
			assert.Equal(t, "Teleconsultation", svc.lastConsume.Privilege)
			assert.Equal(t, int64(2), svc.lastConsume.Amount)
			require.NotNil(t, svc.lastConsume.IdempotencyKey)
			assert.Equal(t, "visit-1", *svc.lastConsume.IdempotencyKey)
		})
	}
}

func TestConsumeQuotaBody(t *testing.T) {
	resetsAt := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	svc := &fakeEnforcementService{consumeResult: enforcementdomain.Rejected(enforcementdomain.Rejection{
		Reason:    enforcementdomain.ReasonTotalQuotaExceeded,
		Used:      5,
		Limit:     5,
		Requested: 1,
		ResetsAt:  &resetsAt,
	})}
	s := newTestServer(svc)

	w := perform(s, http.MethodPost, "/api/v1/subscriptions/300/privileges/chat/consume", map[string]any{"amount": 1})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{
		"accepted": false,
		"remaining": 0,
		"is_unlimited": false,
		"rejection": {
			"reason": "total_quota_exceeded",
			"used": 5,
			"limit": 5,
			"requested": 1,
			"resets_at": "2026-02-01T00:00:00Z"
		}
	}`, w.Body.String())
}

func TestConsumeErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid_amount", err: enforcementdomain.ErrInvalidAmount, want: http.StatusBadRequest},
		{name: "invalid_subscription", err: enforcementdomain.ErrInvalidSubscription, want: http.StatusBadRequest},
		{name: "subscription_not_found", err: subscriptiondomain.ErrSubscriptionNotFound, want: http.StatusNotFound},
		{name: "lock_timeout", err: fmt.Errorf("reset: %w", lock.ErrLockTimeout), want: http.StatusServiceUnavailable},
		{name: "unexpected", err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(&fakeEnforcementService{consumeErr: tc.err})
			w := perform(s, http.MethodPost, "/api/v1/subscriptions/300/privileges/chat/consume", map[string]any{"amount": 1})
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestConsumeRejectsMalformedBody(t *testing.T) {
	svc := &fakeEnforcementService{}
	s := newTestServer(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/300/privileges/chat/consume", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Error.Type)
	assert.Empty(t, svc.lastConsume.Privilege)
}

func TestGetRemainingHandler(t *testing.T) {
	svc := &fakeEnforcementService{remaining: enforcementdomain.RemainingInfo{
		SubscriptionID: "300",
		Privilege:      "chat",
		State:          privilegedomain.AllowanceStateLimited,
		Total:          5,
		Used:           2,
		Remaining:      3,
	}}
	s := newTestServer(svc)

	w := perform(s, http.MethodGet, "/api/v1/subscriptions/300/privileges/chat/remaining?at=2026-03-04", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got enforcementdomain.RemainingInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(3), got.Remaining)
	assert.True(t, svc.lastRemaining.At.Equal(time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC)))

	w = perform(s, http.MethodGet, "/api/v1/subscriptions/300/privileges/chat/remaining?at=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.remainingErr = privilegedomain.ErrConfigExpired
	w = perform(s, http.MethodGet, "/api/v1/subscriptions/300/privileges/chat/remaining", nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.True(t, svc.lastRemaining.At.IsZero())
}

func TestResetHandler(t *testing.T) {
	svc := &fakeEnforcementService{}
	s := newTestServer(svc)

	w := perform(s, http.MethodPost, "/api/v1/subscriptions/300/privileges/chat/reset", map[string]any{"actor_id": "ops-1"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "ops-1", svc.lastReset.ActorID)
	assert.Equal(t, "chat", svc.lastReset.Privilege)

	svc.resetErr = enforcementdomain.ErrInvalidActor
	w = perform(s, http.MethodPost, "/api/v1/subscriptions/300/privileges/chat/reset", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Error.Errors, 1)
	assert.Equal(t, "actor", body.Error.Errors[0].Field)
}

func TestHistoryHandler(t *testing.T) {
	usedAt := time.Date(2026, time.January, 1, 9, 0, 0, 0, time.UTC)
	svc := &fakeEnforcementService{history: enforcementdomain.HistoryResponse{
		PageInfo: pagination.PageInfo{HasMore: true, NextPageToken: "next"},
		Entries: []enforcementdomain.HistoryEntry{
			{ID: "11", LedgerID: "7", Type: "CONSUME", Amount: 1, UsedAt: usedAt},
		},
	}}
	s := newTestServer(svc)

	w := perform(s, http.MethodGet, "/api/v1/subscriptions/300/privileges/chat/history?page_size=1&page_token=abc", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{
		"has_more": true,
		"next_page_token": "next",
		"entries": [{"id":"11","ledger_id":"7","type":"CONSUME","amount":1,"used_at":"2026-01-01T09:00:00Z"}]
	}`, w.Body.String())
	assert.Equal(t, 1, svc.lastHistory.PageSize)
	assert.Equal(t, "abc", svc.lastHistory.PageToken)

	w = perform(s, http.MethodGet, "/api/v1/subscriptions/300/privileges/chat/history?page_size=many", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.historyErr = pagination.ErrInvalidPageToken
	w = perform(s, http.MethodGet, "/api/v1/subscriptions/300/privileges/chat/history?page_token=zz", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(&fakeEnforcementService{})

	w := perform(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = perform(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
