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
	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
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

type fixture struct {
	svc   creditdomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	repo  creditdomain.Repository
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&billinguserdomain.BillingUser{},
		&creditdomain.CreditGrant{},
		&creditdomain.CreditTransaction{},
		&creditdomain.CreditTransactionDetail{},
		&apikeydomain.APIKey{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	repo := creditrepo.Provide()

	svc := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     repo,
		UserRepo: billinguserrepo.Provide(),
		Policy:   config.NewStaticPolicyHolder(config.DefaultLedgerPolicy()),
		Clock:    fakeClock,
	})

	return &fixture{svc: svc, db: db, clock: fakeClock, repo: repo}
}

func (f *fixture) grant(t *testing.T, userID string, amount int64, validUntil *time.Time) *creditdomain.TransactionResult {
	t.Helper()
	result, err := f.svc.Grant(context.Background(), creditdomain.GrantRequest{
		UserID:     userID,
		Amount:     amount,
		Source:     creditdomain.GrantSourcePurchase,
		ValidUntil: validUntil,
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) available(t *testing.T, userID string) int64 {
	t.Helper()
	total, err := f.svc.AvailableBalance(context.Background(), userID, time.Time{})
	require.NoError(t, err)
	return total
}

func (f *fixture) pending(t *testing.T, userID string) int64 {
	t.Helper()
	total, err := f.svc.PendingBalance(context.Background(), userID)
	require.NoError(t, err)
	return total
}

func hoursFrom(base time.Time, h int) *time.Time {
	v := base.Add(time.Duration(h) * time.Hour)
	return &v
}

func TestGrantCreatesPoolAndTransaction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	result := f.grant(t, "user-1", 100, nil)
	assert.Equal(t, creditdomain.TransactionTypeGrant, result.Type)
	assert.Equal(t, creditdomain.TransactionStatusGranted, result.Status)
	assert.Equal(t, int64(100), result.TotalAmount)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, int64(100), result.Allocations[0].BalanceAfter)

	assert.Equal(t, int64(100), f.available(t, "user-1"))
	assert.Equal(t, int64(0), f.pending(t, "user-1"))

	grants, err := f.svc.ListGrants(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, int64(100), grants[0].AvailableAmount)
	assert.Equal(t, creditdomain.GrantSourcePurchase, grants[0].Source)
}

func TestGrantValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Grant(ctx, creditdomain.GrantRequest{
		UserID: "user-1",
		Amount: 0,
		Source: creditdomain.GrantSourcePurchase,
	})
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidAmount))

	_, err = f.svc.Grant(ctx, creditdomain.GrantRequest{
		UserID: "user-1",
		Amount: 10,
		Source: "mystery",
	})
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidSource))

	_, err = f.svc.Grant(ctx, creditdomain.GrantRequest{
		UserID: "  ",
		Amount: 10,
		Source: creditdomain.GrantSourcePurchase,
	})
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidUser))

	// A validity window that ends before it starts is rejected as such.
	start := f.clock.Now()
	_, err = f.svc.Grant(ctx, creditdomain.GrantRequest{
		UserID:     "user-1",
		Amount:     10,
		Source:     creditdomain.GrantSourcePurchase,
		ValidFrom:  &start,
		ValidUntil: &start,
	})
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidValidity))
}

func TestReserveMovesAvailableToPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 100, nil)

	result, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 40})
	require.NoError(t, err)
	assert.Equal(t, creditdomain.TransactionStatusReserved, result.Status)

	assert.Equal(t, int64(60), f.available(t, "user-1"))
	assert.Equal(t, int64(40), f.pending(t, "user-1"))
}

func TestReserveInsufficientLeavesBalancesUntouched(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 50, nil)

	_, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 60})
	assert.True(t, errors.Is(err, creditdomain.ErrInsufficientCredits))

	assert.Equal(t, int64(50), f.available(t, "user-1"))
	assert.Equal(t, int64(0), f.pending(t, "user-1"))

	// The rejected draw stays visible in the audit trail.
	txs, err := f.svc.ListTransactions(ctx, "user-1")
	require.NoError(t, err)
	var failed int
	for _, tx := range txs {
		if tx.Status == creditdomain.TransactionStatusFailed {
			failed++
			assert.Equal(t, creditdomain.TransactionTypeReserve, tx.Type)
			assert.Empty(t, tx.Details)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestConfirmFullReservation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 100, nil)

	reservation, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 40})
	require.NoError(t, err)

	confirmed, err := f.svc.Confirm(ctx, creditdomain.ConfirmRequest{TransactionID: reservation.TransactionID})
	require.NoError(t, err)
	assert.Equal(t, creditdomain.TransactionTypeDeduct, confirmed.Type)
	assert.Equal(t, creditdomain.TransactionStatusConfirmed, confirmed.Status)
	assert.Equal(t, int64(40), confirmed.TotalAmount)
	assert.Equal(t, reservation.TransactionID, confirmed.RelatedTransactionID)

	assert.Equal(t, int64(60), f.available(t, "user-1"))
	assert.Equal(t, int64(0), f.pending(t, "user-1"))
}

func TestConfirmPartialReleasesRemainder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 100, nil)

	reservation, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 40})
	require.NoError(t, err)

	amount := int64(25)
	confirmed, err := f.svc.Confirm(ctx, creditdomain.ConfirmRequest{
		TransactionID: reservation.TransactionID,
		Amount:        &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25), confirmed.TotalAmount)

	// 25 spent, the remaining 15 of the hold returns to available.
	assert.Equal(t, int64(75), f.available(t, "user-1"))
	assert.Equal(t, int64(0), f.pending(t, "user-1"))
}

func TestConfirmIsSingleShot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 100, nil)

	reservation, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 40})
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, creditdomain.ConfirmRequest{TransactionID: reservation.TransactionID})
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, creditdomain.ConfirmRequest{TransactionID: reservation.TransactionID})
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidState))

	_, err = f.svc.Release(ctx, creditdomain.ReleaseRequest{TransactionID: reservation.TransactionID})
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidState))
}

func TestConfirmOverReservedAmount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 100, nil)

	reservation, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 40})
	require.NoError(t, err)

	amount := int64(41)
	_, err = f.svc.Confirm(ctx, creditdomain.ConfirmRequest{
		TransactionID: reservation.TransactionID,
		Amount:        &amount,
	})
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidState))

	// The hold is untouched after the rejected confirm.
	assert.Equal(t, int64(40), f.pending(t, "user-1"))
}

func TestReleaseRestoresAvailable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 100, nil)

	reservation, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 40})
	require.NoError(t, err)

	released, err := f.svc.Release(ctx, creditdomain.ReleaseRequest{TransactionID: reservation.TransactionID})
	require.NoError(t, err)
	assert.Equal(t, creditdomain.TransactionTypeRelease, released.Type)
	assert.Equal(t, reservation.TransactionID, released.RelatedTransactionID)

	assert.Equal(t, int64(100), f.available(t, "user-1"))
	assert.Equal(t, int64(0), f.pending(t, "user-1"))

	_, err = f.svc.Confirm(ctx, creditdomain.ConfirmRequest{TransactionID: reservation.TransactionID})
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidState))
}

func TestDeductDirectDrawsExpirySoonestFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	base := f.clock.Now()

	f.grant(t, "user-1", 100, nil)
	f.clock.Advance(time.Minute)
	f.grant(t, "user-1", 100, hoursFrom(base, 24))

	result, err := f.svc.DeductDirect(ctx, creditdomain.DeductRequest{UserID: "user-1", Amount: 120})
	require.NoError(t, err)
	require.Len(t, result.Allocations, 2)

	// The expiring grant drains before the never-expiring one, even though
	// it was created later.
	assert.Equal(t, int64(100), result.Allocations[0].Amount)
	assert.Equal(t, int64(20), result.Allocations[1].Amount)
	assert.Equal(t, int64(80), f.available(t, "user-1"))
}

func TestDeductDirectAllOrNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 30, nil)
	f.grant(t, "user-1", 30, nil)

	_, err := f.svc.DeductDirect(ctx, creditdomain.DeductRequest{UserID: "user-1", Amount: 61})
	assert.True(t, errors.Is(err, creditdomain.ErrInsufficientCredits))

	// No partial consumption across grants.
	assert.Equal(t, int64(60), f.available(t, "user-1"))
}

func TestRefundFullRestoresGrants(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 100, nil)

	deduct, err := f.svc.DeductDirect(ctx, creditdomain.DeductRequest{UserID: "user-1", Amount: 80})
	require.NoError(t, err)

	refund, err := f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: deduct.TransactionID})
	require.NoError(t, err)
	assert.Equal(t, creditdomain.TransactionTypeRefund, refund.Type)
	require.NotNil(t, refund.RefundAmount)
	assert.Equal(t, int64(80), *refund.RefundAmount)
	assert.Equal(t, deduct.TransactionID, refund.RelatedTransactionID)

	assert.Equal(t, int64(100), f.available(t, "user-1"))

	// The original deduct is finalized and cannot be refunded again.
	_, err = f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: deduct.TransactionID})
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidState))
}

func TestPartialRefundsAccumulate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	base := f.clock.Now()

	f.grant(t, "user-1", 50, hoursFrom(base, 24))
	f.clock.Advance(time.Minute)
	f.grant(t, "user-1", 30, nil)

	deduct, err := f.svc.DeductDirect(ctx, creditdomain.DeductRequest{UserID: "user-1", Amount: 80})
	require.NoError(t, err)

	over := int64(81)
	_, err = f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: deduct.TransactionID, Amount: &over})
	assert.True(t, errors.Is(err, creditdomain.ErrOverRefund))

	first := int64(30)
	refund1, err := f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: deduct.TransactionID, Amount: &first})
	require.NoError(t, err)
	// FIFO over the original details: the whole first refund comes out of
	// the grant the deduct consumed first.
	require.Len(t, refund1.Allocations, 1)
	assert.Equal(t, int64(30), f.available(t, "user-1"))

	tooMuch := int64(51)
	_, err = f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: deduct.TransactionID, Amount: &tooMuch})
	assert.True(t, errors.Is(err, creditdomain.ErrOverRefund))

	rest := int64(50)
	refund2, err := f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: deduct.TransactionID, Amount: &rest})
	require.NoError(t, err)
	require.Len(t, refund2.Allocations, 2)
	assert.Equal(t, int64(80), f.available(t, "user-1"))

	_, err = f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: deduct.TransactionID})
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidState))
}

func TestRefundRequiresConfirmedDeduct(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 100, nil)

	reservation, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 20})
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: reservation.TransactionID})
	assert.True(t, errors.Is(err, creditdomain.ErrInvalidState))

	_, err = f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: "999999999"})
	assert.True(t, errors.Is(err, creditdomain.ErrNotFound))
}

func TestRefundAfterPartialConfirmIsBoundedByConfirmedAmount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 100, nil)

	reservation, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 40})
	require.NoError(t, err)

	amount := int64(25)
	confirmed, err := f.svc.Confirm(ctx, creditdomain.ConfirmRequest{
		TransactionID: reservation.TransactionID,
		Amount:        &amount,
	})
	require.NoError(t, err)

	over := int64(26)
	_, err = f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: confirmed.TransactionID, Amount: &over})
	assert.True(t, errors.Is(err, creditdomain.ErrOverRefund))

	refund, err := f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: confirmed.TransactionID})
	require.NoError(t, err)
	assert.Equal(t, int64(25), refund.TotalAmount)
	assert.Equal(t, int64(100), f.available(t, "user-1"))
}

func TestExpiredGrantIsNotDrawable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	base := f.clock.Now()

	f.grant(t, "user-1", 100, hoursFrom(base, 1))
	f.clock.Advance(2 * time.Hour)

	assert.Equal(t, int64(0), f.available(t, "user-1"))

	_, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 10})
	assert.True(t, errors.Is(err, creditdomain.ErrInsufficientCredits))
}

func TestHoldSurvivesGrantExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	base := f.clock.Now()

	f.grant(t, "user-1", 100, hoursFrom(base, 1))

	reservation, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 40})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	// Reserved credits stay consumable after the grant lapses; only new
	// draws are blocked.
	confirmed, err := f.svc.Confirm(ctx, creditdomain.ConfirmRequest{TransactionID: reservation.TransactionID})
	require.NoError(t, err)
	assert.Equal(t, int64(40), confirmed.TotalAmount)
}

func TestBalancesConserveAcrossOperations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.grant(t, "user-1", 200, nil)

	reservation, err := f.svc.Reserve(ctx, creditdomain.ReserveRequest{UserID: "user-1", Amount: 70})
	require.NoError(t, err)
	assert.Equal(t, int64(200), f.available(t, "user-1")+f.pending(t, "user-1"))

	amount := int64(50)
	confirmed, err := f.svc.Confirm(ctx, creditdomain.ConfirmRequest{
		TransactionID: reservation.TransactionID,
		Amount:        &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(150), f.available(t, "user-1"))

	_, err = f.svc.Refund(ctx, creditdomain.RefundRequest{TransactionID: confirmed.TransactionID})
	require.NoError(t, err)
	assert.Equal(t, int64(200), f.available(t, "user-1"))
	assert.Equal(t, int64(0), f.pending(t, "user-1"))
}

func TestBalanceForUnknownUserIsZero(t *testing.T) {
	f := setup(t)
	assert.Equal(t, int64(0), f.available(t, "nobody"))
	assert.Equal(t, int64(0), f.pending(t, "nobody"))

	grants, err := f.svc.ListGrants(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, grants)
}
