package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() creditdomain.Repository {
	return &repo{}
}

const grantColumns = `id, billing_user_id, amount, used_amount, reserved_amount, source,
	 valid_from, valid_until, version, created_at, updated_at`

func (r *repo) CreateGrant(ctx context.Context, db *gorm.DB, g *creditdomain.CreditGrant) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_grants (id, billing_user_id, amount, used_amount, reserved_amount,
		  source, valid_from, valid_until, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID,
		g.BillingUserID,
		g.Amount,
		g.UsedAmount,
		g.ReservedAmount,
		g.Source,
		g.ValidFrom,
		g.ValidUntil,
		g.Version,
		g.CreatedAt,
		g.UpdatedAt,
	).Error
}

func (r *repo) GrantByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*creditdomain.CreditGrant, error) {
	var grant creditdomain.CreditGrant
	err := db.WithContext(ctx).Raw(
		`SELECT `+grantColumns+` FROM credit_grants WHERE id = ?`,
		id,
	).Scan(&grant).Error
	if err != nil {
		return nil, err
	}
	if grant.ID == 0 {
		return nil, nil
	}
	return &grant, nil
}

func (r *repo) GrantsByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]creditdomain.CreditGrant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var grants []creditdomain.CreditGrant
	err := db.WithContext(ctx).Raw(
		`SELECT `+grantColumns+` FROM credit_grants WHERE id IN ?`,
		ids,
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) ListGrants(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID) ([]creditdomain.CreditGrant, error) {
	var grants []creditdomain.CreditGrant
	err := db.WithContext(ctx).Raw(
		`SELECT `+grantColumns+` FROM credit_grants
		 WHERE billing_user_id = ? ORDER BY created_at ASC, id ASC`,
		billingUserID,
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) EligibleGrants(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID, asOf time.Time) ([]creditdomain.CreditGrant, error) {
	var grants []creditdomain.CreditGrant
	err := db.WithContext(ctx).Raw(
		`SELECT `+grantColumns+` FROM credit_grants
		 WHERE billing_user_id = ?
		   AND valid_from <= ?
		   AND (valid_until IS NULL OR valid_until >= ?)
		   AND amount - used_amount - reserved_amount > 0`,
		billingUserID,
		asOf,
		asOf,
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) ApplyDelta(ctx context.Context, db *gorm.DB, grantID snowflake.ID, usedDelta, reservedDelta, expectedVersion int64) (*creditdomain.CreditGrant, error) {
	// The WHERE clause re-validates the grant invariant against the current
	// row, not the one read during selection. A version bump by a concurrent
	// writer or an invariant violation both leave zero rows affected.
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_grants
		 SET used_amount = used_amount + ?,
		     reserved_amount = reserved_amount + ?,
		     version = version + 1,
		     updated_at = ?
		 WHERE id = ?
		   AND version = ?
		   AND used_amount + ? >= 0
		   AND reserved_amount + ? >= 0
		   AND used_amount + reserved_amount + ? <= amount`,
		usedDelta,
		reservedDelta,
		time.Now().UTC(),
		grantID,
		expectedVersion,
		usedDelta,
		reservedDelta,
		usedDelta+reservedDelta,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, creditdomain.ErrConcurrentModification
	}
	return r.GrantByID(ctx, db, grantID)
}

const transactionColumns = `id, billing_user_id, type, status, total_amount, refund_amount,
	 refunded_amount, related_transaction_id, description, metadata, created_at, updated_at`

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, tx *creditdomain.CreditTransaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (id, billing_user_id, type, status, total_amount,
		  refund_amount, refunded_amount, related_transaction_id, description, metadata,
		  created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.BillingUserID,
		tx.Type,
		tx.Status,
		tx.TotalAmount,
		tx.RefundAmount,
		tx.RefundedAmount,
		tx.RelatedTransactionID,
		tx.Description,
		tx.Metadata,
		tx.CreatedAt,
		tx.UpdatedAt,
	).Error
}

func (r *repo) TransactionByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*creditdomain.CreditTransaction, error) {
	var tx creditdomain.CreditTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM credit_transactions WHERE id = ?`,
		id,
	).Scan(&tx).Error
	if err != nil {
		return nil, err
	}
	if tx.ID == 0 {
		return nil, nil
	}
	return &tx, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID) ([]creditdomain.CreditTransaction, error) {
	var txs []creditdomain.CreditTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM credit_transactions
		 WHERE billing_user_id = ? ORDER BY created_at DESC, id DESC`,
		billingUserID,
	).Scan(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *repo) TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to creditdomain.TransactionStatus) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_transactions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		time.Now().UTC(),
		id,
		from,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return creditdomain.ErrInvalidState
	}
	return nil
}

func (r *repo) AddRefundProgress(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, finalize bool) error {
	query := `UPDATE credit_transactions
		 SET refunded_amount = refunded_amount + ?, updated_at = ?
		 WHERE id = ? AND status = ? AND refunded_amount + ? <= total_amount`
	if finalize {
		query = `UPDATE credit_transactions
		 SET refunded_amount = refunded_amount + ?, status = 'refunded', updated_at = ?
		 WHERE id = ? AND status = ? AND refunded_amount + ? <= total_amount`
	}
	result := db.WithContext(ctx).Exec(
		query,
		amount,
		time.Now().UTC(),
		id,
		creditdomain.TransactionStatusConfirmed,
		amount,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return creditdomain.ErrInvalidState
	}
	return nil
}

func (r *repo) InsertDetails(ctx context.Context, db *gorm.DB, details []creditdomain.CreditTransactionDetail) error {
	for _, d := range details {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO credit_transaction_details (id, transaction_id, grant_id, amount,
			  balance_after, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			d.ID,
			d.TransactionID,
			d.GrantID,
			d.Amount,
			d.BalanceAfter,
			d.CreatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) DetailsByTransaction(ctx context.Context, db *gorm.DB, transactionID snowflake.ID) ([]creditdomain.CreditTransactionDetail, error) {
	var details []creditdomain.CreditTransactionDetail
	err := db.WithContext(ctx).Raw(
		`SELECT id, transaction_id, grant_id, amount, balance_after, created_at
		 FROM credit_transaction_details
		 WHERE transaction_id = ? ORDER BY created_at ASC, id ASC`,
		transactionID,
	).Scan(&details).Error
	if err != nil {
		return nil, err
	}
	return details, nil
}

func (r *repo) RefundedPerGrant(ctx context.Context, db *gorm.DB, relatedTransactionID snowflake.ID) (map[snowflake.ID]int64, error) {
	var rows []struct {
		GrantID snowflake.ID
		Total   int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT d.grant_id AS grant_id, COALESCE(SUM(d.amount), 0) AS total
		 FROM credit_transaction_details d
		 JOIN credit_transactions t ON t.id = d.transaction_id
		 WHERE t.related_transaction_id = ? AND t.type = ?
		 GROUP BY d.grant_id`,
		relatedTransactionID,
		creditdomain.TransactionTypeRefund,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	totals := make(map[snowflake.ID]int64, len(rows))
	for _, row := range rows {
		totals[row.GrantID] = row.Total
	}
	return totals, nil
}

func (r *repo) AvailableBalance(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID, asOf time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount - used_amount - reserved_amount), 0)
		 FROM credit_grants
		 WHERE billing_user_id = ?
		   AND valid_from <= ?
		   AND (valid_until IS NULL OR valid_until >= ?)
		   AND amount - used_amount - reserved_amount > 0`,
		billingUserID,
		asOf,
		asOf,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) PendingBalance(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(reserved_amount), 0)
		 FROM credit_grants WHERE billing_user_id = ?`,
		billingUserID,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) ExpiredGrantTotals(ctx context.Context, db *gorm.DB, since, until time.Time) ([]creditdomain.ExpiredGrantTotal, error) {
	var rows []creditdomain.ExpiredGrantTotal
	err := db.WithContext(ctx).Raw(
		`SELECT billing_user_id, source,
		   COALESCE(SUM(amount - used_amount - reserved_amount), 0) AS expired_amount
		 FROM credit_grants
		 WHERE valid_until IS NOT NULL
		   AND valid_until >= ? AND valid_until < ?
		   AND amount - used_amount - reserved_amount > 0
		 GROUP BY billing_user_id, source`,
		since,
		until,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
