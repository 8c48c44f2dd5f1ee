package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

//go:generate mockgen -source=repository.go -destination=../mocks/repository.go -package=mocks

// Reader is the lookup the enforcement core needs from subscription management.
type Reader interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
}

type Repository interface {
	Reader
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
}

var (
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
