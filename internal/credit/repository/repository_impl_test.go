package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billinguserdomain "github.com/smallbiznis/creditledger/internal/billinguser/domain"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupRepo(t *testing.T) (creditdomain.Repository, *gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&billinguserdomain.BillingUser{},
		&creditdomain.CreditGrant{},
		&creditdomain.CreditTransaction{},
		&creditdomain.CreditTransactionDetail{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	return Provide(), db, node
}

func newGrant(node *snowflake.Node, userID snowflake.ID, amount int64) *creditdomain.CreditGrant {
	now := time.Now().UTC()
	return &creditdomain.CreditGrant{
		ID:            node.Generate(),
		BillingUserID: userID,
		Amount:        amount,
		Source:        creditdomain.GrantSourcePurchase,
		ValidFrom:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestApplyDeltaBumpsVersion(t *testing.T) {
	repo, db, node := setupRepo(t)
	ctx := context.Background()
	userID := node.Generate()

	grant := newGrant(node, userID, 100)
	require.NoError(t, repo.CreateGrant(ctx, db, grant))

	updated, err := repo.ApplyDelta(ctx, db, grant.ID, 0, 30, grant.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(30), updated.ReservedAmount)
	assert.Equal(t, grant.Version+1, updated.Version)
	assert.Equal(t, int64(70), updated.AvailableAmount())
}

func TestApplyDeltaStaleVersionConflicts(t *testing.T) {
	repo, db, node := setupRepo(t)
	ctx := context.Background()
	userID := node.Generate()

	grant := newGrant(node, userID, 100)
	require.NoError(t, repo.CreateGrant(ctx, db, grant))

	_, err := repo.ApplyDelta(ctx, db, grant.ID, 10, 0, grant.Version)
	require.NoError(t, err)

	// A second writer holding the original version loses.
	_, err = repo.ApplyDelta(ctx, db, grant.ID, 10, 0, grant.Version)
	assert.True(t, errors.Is(err, creditdomain.ErrConcurrentModification))

	current, err := repo.GrantByID(ctx, db, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), current.UsedAmount)
}

func TestApplyDeltaEnforcesInvariant(t *testing.T) {
	repo, db, node := setupRepo(t)
	ctx := context.Background()
	userID := node.Generate()

	grant := newGrant(node, userID, 100)
	require.NoError(t, repo.CreateGrant(ctx, db, grant))

	// Overdrawing past amount is rejected even with the right version.
	_, err := repo.ApplyDelta(ctx, db, grant.ID, 101, 0, grant.Version)
	assert.True(t, errors.Is(err, creditdomain.ErrConcurrentModification))

	// Negative balances are rejected too.
	_, err = repo.ApplyDelta(ctx, db, grant.ID, -1, 0, grant.Version)
	assert.True(t, errors.Is(err, creditdomain.ErrConcurrentModification))

	current, err := repo.GrantByID(ctx, db, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current.UsedAmount)
	assert.Equal(t, grant.Version, current.Version)
}

func TestEligibleGrantsFiltersValidityAndBalance(t *testing.T) {
	repo, db, node := setupRepo(t)
	ctx := context.Background()
	userID := node.Generate()
	now := time.Now().UTC()

	active := newGrant(node, userID, 100)
	active.ValidFrom = now
	require.NoError(t, repo.CreateGrant(ctx, db, active))

	expired := newGrant(node, userID, 100)
	expired.ValidFrom = now
	past := now.Add(-time.Hour)
	expired.ValidUntil = &past
	require.NoError(t, repo.CreateGrant(ctx, db, expired))

	future := newGrant(node, userID, 100)
	future.ValidFrom = now.Add(time.Hour)
	require.NoError(t, repo.CreateGrant(ctx, db, future))

	drained := newGrant(node, userID, 100)
	drained.ValidFrom = now
	drained.UsedAmount = 100
	require.NoError(t, repo.CreateGrant(ctx, db, drained))

	grants, err := repo.EligibleGrants(ctx, db, userID, now)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, active.ID, grants[0].ID)
}

func TestTransitionStatusIsGuarded(t *testing.T) {
	repo, db, node := setupRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tx := &creditdomain.CreditTransaction{
		ID:            node.Generate(),
		BillingUserID: node.Generate(),
		Type:          creditdomain.TransactionTypeReserve,
		Status:        creditdomain.TransactionStatusReserved,
		TotalAmount:   10,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, repo.InsertTransaction(ctx, db, tx))

	err := repo.TransitionStatus(ctx, db, tx.ID,
		creditdomain.TransactionStatusReserved, creditdomain.TransactionStatusConfirmed)
	require.NoError(t, err)

	// The same transition cannot apply twice.
	err = repo.TransitionStatus(ctx, db, tx.ID,
		creditdomain.TransactionStatusReserved, creditdomain.TransactionStatusReleased)
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidState))
}

func TestAddRefundProgress(t *testing.T) {
	repo, db, node := setupRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tx := &creditdomain.CreditTransaction{
		ID:            node.Generate(),
		BillingUserID: node.Generate(),
		Type:          creditdomain.TransactionTypeDeduct,
		Status:        creditdomain.TransactionStatusConfirmed,
		TotalAmount:   100,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, repo.InsertTransaction(ctx, db, tx))

	require.NoError(t, repo.AddRefundProgress(ctx, db, tx.ID, 40, false))

	// Exceeding the total is rejected.
	err := repo.AddRefundProgress(ctx, db, tx.ID, 61, false)
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidState))

	require.NoError(t, repo.AddRefundProgress(ctx, db, tx.ID, 60, true))

	current, err := repo.TransactionByID(ctx, db, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), current.RefundedAmount)
	assert.Equal(t, creditdomain.TransactionStatusRefunded, current.Status)

	// Finalized transactions accept no further refunds.
	err = repo.AddRefundProgress(ctx, db, tx.ID, 1, false)
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidState))
}

func TestExpiredGrantTotalsGroupsByUserAndSource(t *testing.T) {
	repo, db, node := setupRepo(t)
	ctx := context.Background()
	userID := node.Generate()
	now := time.Now().UTC()

	lapsed := newGrant(node, userID, 100)
	lapsed.UsedAmount = 40
	cutoff := now.Add(-time.Hour)
	lapsed.ValidUntil = &cutoff
	require.NoError(t, repo.CreateGrant(ctx, db, lapsed))

	spent := newGrant(node, userID, 50)
	spent.UsedAmount = 50
	spent.ValidUntil = &cutoff
	require.NoError(t, repo.CreateGrant(ctx, db, spent))

	totals, err := repo.ExpiredGrantTotals(ctx, db, now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, userID, totals[0].BillingUserID)
	assert.Equal(t, creditdomain.GrantSourcePurchase, totals[0].Source)
	assert.Equal(t, int64(60), totals[0].ExpiredAmount)
}
