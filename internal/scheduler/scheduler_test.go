package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billinguserdomain "github.com/smallbiznis/creditledger/internal/billinguser/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	creditrepo "github.com/smallbiznis/creditledger/internal/credit/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupSweeper(t *testing.T) (*Sweeper, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
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

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	policy := config.DefaultLedgerPolicy()
	policy.ExpirySweepInterval = time.Hour

	sweeper := New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		Repo:   creditrepo.Provide(),
		Clock:  fakeClock,
		Policy: config.NewStaticPolicyHolder(policy),
	})

	return sweeper, db, fakeClock, node
}

func insertGrant(t *testing.T, db *gorm.DB, node *snowflake.Node, amount, used int64, validUntil *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	grant := creditdomain.CreditGrant{
		ID:            node.Generate(),
		BillingUserID: node.Generate(),
		Amount:        amount,
		UsedAmount:    used,
		Source:        creditdomain.GrantSourceDailyLoginAward,
		ValidFrom:     now.Add(-24 * time.Hour),
		ValidUntil:    validUntil,
		CreatedAt:     now.Add(-24 * time.Hour),
		UpdatedAt:     now.Add(-24 * time.Hour),
	}
	require.NoError(t, db.Create(&grant).Error)
}

func TestSweepAdvancesWatermark(t *testing.T) {
	sweeper, db, fakeClock, node := setupSweeper(t)
	ctx := context.Background()

	start := fakeClock.Now()
	expiry := start.Add(30 * time.Minute)
	insertGrant(t, db, node, 100, 40, &expiry)

	// Nothing has expired yet.
	require.NoError(t, sweeper.RunOnce(ctx))
	assert.Equal(t, start, sweeper.lastSweep)

	// Advance past the grant's expiry; the next run covers the gap since
	// the previous watermark.
	fakeClock.Advance(time.Hour)
	require.NoError(t, sweeper.RunOnce(ctx))
	assert.Equal(t, start.Add(time.Hour), sweeper.lastSweep)
}

func TestSweepIgnoresFullySpentGrants(t *testing.T) {
	sweeper, db, fakeClock, node := setupSweeper(t)
	ctx := context.Background()

	expiry := fakeClock.Now().Add(30 * time.Minute)
	insertGrant(t, db, node, 50, 50, &expiry)
	insertGrant(t, db, node, 50, 0, nil)

	fakeClock.Advance(time.Hour)
	require.NoError(t, sweeper.RunOnce(ctx))
}
