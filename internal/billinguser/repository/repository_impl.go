package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	billinguserdomain "github.com/smallbiznis/creditledger/internal/billinguser/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() billinguserdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, u *billinguserdomain.BillingUser) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_users (id, external_user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		u.ID,
		u.ExternalUserID,
		u.CreatedAt,
		u.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billinguserdomain.BillingUser, error) {
	var user billinguserdomain.BillingUser
	err := db.WithContext(ctx).Raw(
		`SELECT id, external_user_id, created_at, updated_at
		 FROM billing_users WHERE id = ?`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*billinguserdomain.BillingUser, error) {
	var user billinguserdomain.BillingUser
	err := db.WithContext(ctx).Raw(
		`SELECT id, external_user_id, created_at, updated_at
		 FROM billing_users WHERE external_user_id = ?`,
		externalID,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}
