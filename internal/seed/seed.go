package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
	billinguserdomain "github.com/smallbiznis/creditledger/internal/billinguser/domain"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"gorm.io/gorm"
)

const (
	demoUserID         = "demo-user"
	demoGrantAmount    = 1000
	demoGrantValidDays = 30

	// Development only. The plaintext key is deterministic so local clients
	// can use it without reading seed output.
	demoAPIKeyPlain = "cl_live_key_DEMO_do-not-use-in-production"
	demoAPIKeyName  = "development"
)

// EnsureDemoData seeds a demo billing user with a welcome grant and a
// development API key. Idempotent across restarts.
func EnsureDemoData(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := ensureDemoUserTx(ctx, tx, node)
		if err != nil {
			return err
		}
		if err := ensureWelcomeGrantTx(ctx, tx, node, user.ID); err != nil {
			return err
		}
		return ensureDevAPIKeyTx(ctx, tx, node)
	})
}

func ensureDemoUserTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (*billinguserdomain.BillingUser, error) {
	var user billinguserdomain.BillingUser
	err := tx.WithContext(ctx).
		Where("external_user_id = ?", demoUserID).
		First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	user = billinguserdomain.BillingUser{
		ID:             node.Generate(),
		ExternalUserID: demoUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func ensureWelcomeGrantTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, billingUserID snowflake.ID) error {
	var count int64
	err := tx.WithContext(ctx).
		Model(&creditdomain.CreditGrant{}).
		Where("billing_user_id = ? AND source = ?", billingUserID, creditdomain.GrantSourceNewUserAward).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()
	validUntil := now.AddDate(0, 0, demoGrantValidDays)
	grant := creditdomain.CreditGrant{
		ID:            node.Generate(),
		BillingUserID: billingUserID,
		Amount:        demoGrantAmount,
		Source:        creditdomain.GrantSourceNewUserAward,
		ValidFrom:     now,
		ValidUntil:    &validUntil,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return tx.WithContext(ctx).Create(&grant).Error
}

func ensureDevAPIKeyTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	hash := apikeydomain.HashAPIKey(demoAPIKeyPlain)

	var count int64
	err := tx.WithContext(ctx).
		Model(&apikeydomain.APIKey{}).
		Where("key_hash = ?", hash).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()
	key := apikeydomain.APIKey{
		ID:        node.Generate(),
		KeyID:     "key_DEMO",
		Name:      demoAPIKeyName,
		Scopes:    apikeydomain.ScopeLedgerAdmin,
		KeyHash:   hash,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return tx.WithContext(ctx).Create(&key).Error
}
