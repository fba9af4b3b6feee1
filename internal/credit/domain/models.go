package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// GrantSource identifies how a credit grant was awarded.
type GrantSource string

const (
	GrantSourcePurchase           GrantSource = "purchase"
	GrantSourceSubscriptionPeriod GrantSource = "subscription_period"
	GrantSourceNewUserAward       GrantSource = "new_user_award"
	GrantSourceDailyLoginAward    GrantSource = "daily_login_award"
	GrantSourceAdminGrant         GrantSource = "admin_grant"
	GrantSourceRefundReissue      GrantSource = "refund_reissue"
)

// TransactionType identifies the ledger operation a transaction records.
type TransactionType string

const (
	TransactionTypeGrant   TransactionType = "grant"
	TransactionTypeReserve TransactionType = "reserve"
	TransactionTypeDeduct  TransactionType = "deduct"
	TransactionTypeRelease TransactionType = "release"
	TransactionTypeRefund  TransactionType = "refund"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	TransactionStatusGranted   TransactionStatus = "granted"
	TransactionStatusReserved  TransactionStatus = "reserved"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusReleased  TransactionStatus = "released"
	TransactionStatusRefunded  TransactionStatus = "refunded"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// CreditGrant is a single pool of credits issued to a billing user.
//
// Amount is immutable once created. UsedAmount and ReservedAmount are the
// only mutable balance fields and are updated exclusively through
// Repository.ApplyDelta, which re-validates the grant invariant
// (used + reserved <= amount, both non-negative) against the current row
// under optimistic version checks. Remaining and available balances are
// derived, never stored.
type CreditGrant struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	BillingUserID  snowflake.ID `json:"billing_user_id" gorm:"not null;index"`
	Amount         int64        `json:"amount" gorm:"not null"`
	UsedAmount     int64        `json:"used_amount" gorm:"not null;default:0"`
	ReservedAmount int64        `json:"reserved_amount" gorm:"not null;default:0"`
	Source         GrantSource  `json:"source" gorm:"type:text;not null"`
	ValidFrom      time.Time    `json:"valid_from" gorm:"not null"`
	ValidUntil     *time.Time   `json:"valid_until" gorm:"index"`
	Version        int64        `json:"-" gorm:"not null;default:0"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditGrant) TableName() string { return "credit_grants" }

// RemainingAmount is the balance not yet permanently spent.
func (g CreditGrant) RemainingAmount() int64 {
	return g.Amount - g.UsedAmount
}

// AvailableAmount is the balance free to reserve or deduct right now.
func (g CreditGrant) AvailableAmount() int64 {
	return g.Amount - g.UsedAmount - g.ReservedAmount
}

// ValidAt reports whether the grant's validity window covers the instant.
// Both window ends are inclusive; a nil ValidUntil never expires.
func (g CreditGrant) ValidAt(at time.Time) bool {
	if g.ValidFrom.After(at) {
		return false
	}
	return g.ValidUntil == nil || !g.ValidUntil.Before(at)
}

// CreditTransaction is one ledger operation requested by a caller.
//
// Rows are immutable except for Status transitions and, on deduct
// transactions, the cumulative RefundedAmount. Release, refund and
// reservation-confirming deduct transactions reference the transaction
// they reverse or settle through RelatedTransactionID, so every movement
// is traceable back to its origin.
type CreditTransaction struct {
	ID                   snowflake.ID      `json:"id" gorm:"primaryKey"`
	BillingUserID        snowflake.ID      `json:"billing_user_id" gorm:"not null;index"`
	Type                 TransactionType   `json:"type" gorm:"type:text;not null"`
	Status               TransactionStatus `json:"status" gorm:"type:text;not null;index"`
	TotalAmount          int64             `json:"total_amount" gorm:"not null"`
	RefundAmount         *int64            `json:"refund_amount,omitempty"`
	RefundedAmount       int64             `json:"refunded_amount" gorm:"not null;default:0"`
	RelatedTransactionID *snowflake.ID     `json:"related_transaction_id,omitempty" gorm:"index"`
	Description          string            `json:"description" gorm:"type:text"`
	Metadata             datatypes.JSON    `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// CreditTransactionDetail records how much of a transaction's amount one
// grant absorbed. BalanceAfter captures the grant's remaining amount
// immediately after the mutation, so audits never replay history.
type CreditTransactionDetail struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	TransactionID snowflake.ID `json:"transaction_id" gorm:"not null;index"`
	GrantID       snowflake.ID `json:"grant_id" gorm:"not null;index"`
	Amount        int64        `json:"amount" gorm:"not null"`
	BalanceAfter  int64        `json:"balance_after" gorm:"not null"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditTransactionDetail) TableName() string { return "credit_transaction_details" }
