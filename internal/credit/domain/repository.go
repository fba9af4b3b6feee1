package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ExpiredGrantTotal aggregates credits that expired unspent, per user and
// grant source, for the expiry sweep.
type ExpiredGrantTotal struct {
	BillingUserID snowflake.ID `json:"billing_user_id"`
	Source        GrantSource  `json:"source"`
	ExpiredAmount int64        `json:"expired_amount"`
}

// Repository is the durable store for grants, transactions and detail rows.
//
// Grant balance fields are mutated exclusively through ApplyDelta; every
// other write is an insert or a guarded status transition.
type Repository interface {
	CreateGrant(ctx context.Context, db *gorm.DB, grant *CreditGrant) error
	GrantByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CreditGrant, error)
	GrantsByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]CreditGrant, error)
	ListGrants(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID) ([]CreditGrant, error)

	// EligibleGrants returns grants valid at asOf with available balance,
	// the candidate set for draw allocations.
	EligibleGrants(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID, asOf time.Time) ([]CreditGrant, error)

	// ApplyDelta atomically adds usedDelta and reservedDelta to a grant's
	// balance fields. The update is guarded by the expected version and by
	// the grant invariant evaluated against the current row; if either
	// fails, no row is touched and ErrConcurrentModification is returned so
	// the caller can reselect and retry.
	ApplyDelta(ctx context.Context, db *gorm.DB, grantID snowflake.ID, usedDelta, reservedDelta, expectedVersion int64) (*CreditGrant, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, tx *CreditTransaction) error
	TransactionByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CreditTransaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID) ([]CreditTransaction, error)

	// TransitionStatus moves a transaction from one status to another. It
	// returns ErrInvalidState when the row is not in the expected status,
	// which also serializes concurrent settle attempts on one reservation.
	TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to TransactionStatus) error

	// AddRefundProgress accumulates refunded amount on a deduct transaction
	// and optionally finalizes its status to refunded.
	AddRefundProgress(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, finalize bool) error

	InsertDetails(ctx context.Context, db *gorm.DB, details []CreditTransactionDetail) error
	DetailsByTransaction(ctx context.Context, db *gorm.DB, transactionID snowflake.ID) ([]CreditTransactionDetail, error)

	// RefundedPerGrant sums, per grant, the detail amounts of refund
	// transactions that reference the given transaction.
	RefundedPerGrant(ctx context.Context, db *gorm.DB, relatedTransactionID snowflake.ID) (map[snowflake.ID]int64, error)

	AvailableBalance(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID, asOf time.Time) (int64, error)
	PendingBalance(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID) (int64, error)

	// ExpiredGrantTotals reports grants whose validity ended inside the
	// window while credits were still available.
	ExpiredGrantTotals(ctx context.Context, db *gorm.DB, since, until time.Time) ([]ExpiredGrantTotal, error)
}
