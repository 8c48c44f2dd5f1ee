package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/telecare/pkg/db/pagination"
)

type ConsumeRequest struct {
	SubscriptionID string         `json:"subscription_id"`
	Privilege      string         `json:"privilege"`
	Amount         int64          `json:"amount"`
	IdempotencyKey *string        `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type RemainingRequest struct {
	SubscriptionID string    `json:"subscription_id"`
	Privilege      string    `json:"privilege"`
	At             time.Time `json:"at"`
}

type ResetRequest struct {
	SubscriptionID string `json:"subscription_id"`
	Privilege      string `json:"privilege"`
	ActorID        string `json:"actor_id"`
}

type HistoryRequest struct {
	SubscriptionID string `json:"subscription_id"`
	Privilege      string `json:"privilege"`
	PageToken      string `json:"page_token"`
	PageSize       int    `json:"page_size"`
}

type HistoryResponse struct {
	pagination.PageInfo
	Entries []HistoryEntry `json:"entries"`
}

type Service interface {
	TryConsume(context.Context, ConsumeRequest) (ConsumeResult, error)
	GetRemaining(context.Context, RemainingRequest) (RemainingInfo, error)
	ResetUsage(context.Context, ResetRequest) error
	ListHistory(context.Context, HistoryRequest) (HistoryResponse, error)
}

var (
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidPrivilege    = errors.New("invalid_privilege")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidActor        = errors.New("invalid_actor")
)
