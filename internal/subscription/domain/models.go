// Package domain contains the read model of subscriptions owned by billing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusDraft    SubscriptionStatus = "DRAFT"
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusEnded    SubscriptionStatus = "ENDED"
)

// Subscription ties a patient to the plan whose privileges they may consume.
type Subscription struct {
	ID         snowflake.ID       `gorm:"primaryKey"`
	PlanID     snowflake.ID       `gorm:"not null;index"`
	CustomerID snowflake.ID       `gorm:"not null;index"`
	Status     SubscriptionStatus `gorm:"type:text;not null"`
	StartAt    time.Time          `gorm:"not null"`
	EndAt      *time.Time         `gorm:""`
	Metadata   datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt  time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Grantable reports whether privileges may be consumed under this status.
func (s SubscriptionStatus) Grantable() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

// Terminated reports whether the subscription will never grant again.
func (s SubscriptionStatus) Terminated() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusEnded
}

// EndedAt reports whether the subscription term is over at t.
func (s Subscription) EndedAt(t time.Time) bool {
	return s.EndAt != nil && !t.Before(*s.EndAt)
}
