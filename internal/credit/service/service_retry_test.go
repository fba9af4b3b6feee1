package service

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
	billinguserrepo "github.com/smallbiznis/creditledger/internal/billinguser/repository"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	creditrepo "github.com/smallbiznis/creditledger/internal/credit/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// conflictingRepo fails the first N ApplyDelta calls with a version conflict
// and counts grant selections, so the facade's retry loop can be driven
// deterministically.
type conflictingRepo struct {
	creditdomain.Repository
	conflicts int
	selects   int
}

func (r *conflictingRepo) EligibleGrants(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID, asOf time.Time) ([]creditdomain.CreditGrant, error) {
	r.selects++
	return r.Repository.EligibleGrants(ctx, db, billingUserID, asOf)
}

func (r *conflictingRepo) ApplyDelta(ctx context.Context, db *gorm.DB, grantID snowflake.ID, usedDelta, reservedDelta, expectedVersion int64) (*creditdomain.CreditGrant, error) {
	if r.conflicts > 0 {
		r.conflicts--
		return nil, creditdomain.ErrConcurrentModification
	}
	return r.Repository.ApplyDelta(ctx, db, grantID, usedDelta, reservedDelta, expectedVersion)
}

func setupConflicting(t *testing.T, conflicts int) (*fixture, *conflictingRepo) {
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

	node, err := snowflake.NewNode(6)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	repo := &conflictingRepo{Repository: creditrepo.Provide(), conflicts: conflicts}

	svc := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     repo,
		UserRepo: billinguserrepo.Provide(),
		Policy:   config.NewStaticPolicyHolder(config.DefaultLedgerPolicy()),
		Clock:    fakeClock,
	})

	return &fixture{svc: svc, db: db, clock: fakeClock, repo: repo}, repo
}

func countTransactions(t *testing.T, db *gorm.DB, txType creditdomain.TransactionType, status creditdomain.TransactionStatus) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&creditdomain.CreditTransaction{}).
		Where("type = ? AND status = ?", txType, status).
		Count(&count).Error)
	return count
}

func TestReserveRetriesAfterConflictWithFreshSelection(t *testing.T) {
	f, repo := setupConflicting(t, 1)
	ctx := context.Background()
	f.grant(t, "user-1", 100, nil)

	result, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 40})
	require.NoError(t, err)
	assert.Equal(t, creditdomain.TransactionStatusReserved, result.Status)

	// The conflicted attempt rolled back and the rerun reselected grants.
	assert.Equal(t, 2, repo.selects)
	assert.Equal(t, int64(60), f.available(t, "user-1"))
	assert.Equal(t, int64(40), f.pending(t, "user-1"))
	assert.Equal(t, int64(1),
		countTransactions(t, f.db, creditdomain.TransactionTypeReserve, creditdomain.TransactionStatusReserved))
}

func TestReserveSurfacesConflictAfterRetriesExhausted(t *testing.T) {
	policy := config.DefaultLedgerPolicy()
	f, repo := setupConflicting(t, policy.MaxConflictRetries)
	ctx := context.Background()
	f.grant(t, "user-1", 100, nil)

	_, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 40})
	assert.True(t, errors.Is(err, creditdomain.ErrConcurrentModification))

	// Every attempt reselected, every attempt rolled back.
	assert.Equal(t, policy.MaxConflictRetries, repo.selects)
	assert.Equal(t, 0, repo.conflicts)
	assert.Equal(t, int64(100), f.available(t, "user-1"))
	assert.Equal(t, int64(0), f.pending(t, "user-1"))

	// The rejection stays visible as a failed audit row.
	assert.Equal(t, int64(0),
		countTransactions(t, f.db, creditdomain.TransactionTypeReserve, creditdomain.TransactionStatusReserved))
	assert.Equal(t, int64(1),
		countTransactions(t, f.db, creditdomain.TransactionTypeReserve, creditdomain.TransactionStatusFailed))
}
