package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Service is the public surface of the credit ledger. Every mutating
// operation runs inside a single database transaction; any failure rolls
// back all partial writes, so pre-call balances are never observable as
// changed on error.
type Service interface {
	// Grant issues a new credit pool to a user, creating the billing user
	// lazily when needed.
	Grant(ctx context.Context, req GrantRequest) (*TransactionResult, error)

	// Reserve places a soft hold on credits pending confirmation.
	Reserve(ctx context.Context, req ReserveRequest) (*TransactionResult, error)

	// Confirm settles a reservation, consuming up to the reserved amount and
	// releasing any remainder.
	Confirm(ctx context.Context, req ConfirmRequest) (*TransactionResult, error)

	// Release cancels a reservation, returning held credits to available.
	Release(ctx context.Context, req ReleaseRequest) (*TransactionResult, error)

	// DeductDirect permanently consumes credits without a prior reservation.
	DeductDirect(ctx context.Context, req DeductRequest) (*TransactionResult, error)

	// Refund reverses a confirmed deduction, fully or partially.
	Refund(ctx context.Context, req RefundRequest) (*TransactionResult, error)

	// AvailableBalance sums available credits over grants eligible at asOf.
	AvailableBalance(ctx context.Context, externalUserID string, asOf time.Time) (int64, error)

	// PendingBalance sums credits currently held by open reservations.
	PendingBalance(ctx context.Context, externalUserID string) (int64, error)

	ListGrants(ctx context.Context, externalUserID string) ([]GrantResponse, error)
	ListTransactions(ctx context.Context, externalUserID string) ([]TransactionResponse, error)
}

type GrantRequest struct {
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	Source      GrantSource    `json:"source"`
	ValidFrom   *time.Time     `json:"valid_from,omitempty"`
	ValidUntil  *time.Time     `json:"valid_until,omitempty"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ReserveRequest struct {
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ConfirmRequest struct {
	TransactionID string `json:"transaction_id"`
	Amount        *int64 `json:"amount,omitempty"`
}

type ReleaseRequest struct {
	TransactionID string `json:"transaction_id"`
}

type DeductRequest struct {
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type RefundRequest struct {
	TransactionID string `json:"transaction_id"`
	Amount        *int64 `json:"amount,omitempty"`
	Description   string `json:"description"`
}

// AllocationEntry is the per-grant breakdown of one transaction.
type AllocationEntry struct {
	GrantID      string `json:"grant_id"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
}

type TransactionResult struct {
	TransactionID        string            `json:"transaction_id"`
	UserID               string            `json:"user_id"`
	Type                 TransactionType   `json:"type"`
	Status               TransactionStatus `json:"status"`
	TotalAmount          int64             `json:"total_amount"`
	RefundAmount         *int64            `json:"refund_amount,omitempty"`
	RelatedTransactionID string            `json:"related_transaction_id,omitempty"`
	GrantID              string            `json:"grant_id,omitempty"`
	Allocations          []AllocationEntry `json:"allocations"`
	CreatedAt            time.Time         `json:"created_at"`
}

type GrantResponse struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	Amount          int64       `json:"amount"`
	UsedAmount      int64       `json:"used_amount"`
	ReservedAmount  int64       `json:"reserved_amount"`
	RemainingAmount int64       `json:"remaining_amount"`
	AvailableAmount int64       `json:"available_amount"`
	Source          GrantSource `json:"source"`
	ValidFrom       time.Time   `json:"valid_from"`
	ValidUntil      *time.Time  `json:"valid_until,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

type TransactionResponse struct {
	ID                   string            `json:"id"`
	UserID               string            `json:"user_id"`
	Type                 TransactionType   `json:"type"`
	Status               TransactionStatus `json:"status"`
	TotalAmount          int64             `json:"total_amount"`
	RefundAmount         *int64            `json:"refund_amount,omitempty"`
	RefundedAmount       int64             `json:"refunded_amount"`
	RelatedTransactionID string            `json:"related_transaction_id,omitempty"`
	Description          string            `json:"description"`
	Details              []AllocationEntry `json:"details"`
	CreatedAt            time.Time         `json:"created_at"`
}

func ParseID(value string) (snowflake.ID, error) {
	return snowflake.ParseString(value)
}

// ValidSource reports whether the grant source is one of the known enums.
func ValidSource(source GrantSource) bool {
	switch source {
	case GrantSourcePurchase,
		GrantSourceSubscriptionPeriod,
		GrantSourceNewUserAward,
		GrantSourceDailyLoginAward,
		GrantSourceAdminGrant,
		GrantSourceRefundReissue:
		return true
	default:
		return false
	}
}
