package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// BillingUser is the billing identity of a platform user. It is created
// lazily on the first billing-related action and never deleted.
type BillingUser struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	ExternalUserID string       `json:"external_user_id" gorm:"type:text;not null;uniqueIndex"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingUser) TableName() string { return "billing_users" }

var (
	ErrInvalidExternalID = errors.New("invalid_external_user_id")
	ErrNotFound          = errors.New("billing_user_not_found")
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, user *BillingUser) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingUser, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*BillingUser, error)
}
