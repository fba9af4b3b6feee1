package domain

import "errors"

var (
	// ErrInvalidAmount rejects non-positive or malformed amounts before any
	// store access.
	ErrInvalidAmount = errors.New("invalid_amount")

	// ErrInsufficientCredits means eligible grants cannot cover a draw.
	// Nothing is committed; callers should treat it as an admission
	// rejection, not a retryable system error.
	ErrInsufficientCredits = errors.New("insufficient_credits")

	// ErrInvalidState means the operation targets a transaction that is not
	// in the required state.
	ErrInvalidState = errors.New("invalid_transaction_state")

	// ErrOverRefund means the cumulative refund would exceed the original
	// transaction's amount.
	ErrOverRefund = errors.New("over_refund")

	// ErrConcurrentModification is an optimistic-lock conflict on a grant
	// row. The service retries a bounded number of times before surfacing it.
	ErrConcurrentModification = errors.New("concurrent_modification")

	// ErrStoreUnavailable wraps infrastructure failures from the store so
	// callers can distinguish them from domain rejections.
	ErrStoreUnavailable = errors.New("store_unavailable")

	// ErrInvalidValidity rejects grants whose validUntil does not lie after
	// validFrom.
	ErrInvalidValidity = errors.New("invalid_validity")

	// ErrInvalidMetadata rejects caller metadata that cannot be encoded as
	// JSON.
	ErrInvalidMetadata = errors.New("invalid_metadata")

	ErrNotFound      = errors.New("transaction_not_found")
	ErrGrantNotFound = errors.New("grant_not_found")
	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidSource = errors.New("invalid_grant_source")
	ErrInvalidID     = errors.New("invalid_id")
)
