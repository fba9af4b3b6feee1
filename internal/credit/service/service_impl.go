package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billinguserdomain "github.com/smallbiznis/creditledger/internal/billinguser/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/credit/allocation"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       creditdomain.Repository
	UserRepo   billinguserdomain.Repository
	Policy     *config.PolicyHolder
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       creditdomain.Repository
	userRepo   billinguserdomain.Repository
	policy     *config.PolicyHolder
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) creditdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		userRepo:   p.UserRepo,
		policy:     p.Policy,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Grant(ctx context.Context, req creditdomain.GrantRequest) (*creditdomain.TransactionResult, error) {
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	source := creditdomain.GrantSource(strings.TrimSpace(string(req.Source)))
	if !creditdomain.ValidSource(source) {
		return nil, creditdomain.ErrInvalidSource
	}

	metadata, err := marshalMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	validFrom := now
	if req.ValidFrom != nil {
		validFrom = req.ValidFrom.UTC()
	}
	validUntil := req.ValidUntil
	if validUntil == nil {
		if days := s.policy.Get().DefaultGrantValidityDays; days > 0 {
			expiry := validFrom.AddDate(0, 0, days)
			validUntil = &expiry
		}
	} else {
		expiry := validUntil.UTC()
		if !expiry.After(validFrom) {
			return nil, creditdomain.ErrInvalidValidity
		}
		validUntil = &expiry
	}

	var result *creditdomain.TransactionResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.ensureUser(ctx, tx, req.UserID)
		if err != nil {
			return err
		}

		grant := &creditdomain.CreditGrant{
			ID:            s.genID.Generate(),
			BillingUserID: user.ID,
			Amount:        req.Amount,
			Source:        source,
			ValidFrom:     validFrom,
			ValidUntil:    validUntil,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.repo.CreateGrant(ctx, tx, grant); err != nil {
			return err
		}

		record := &creditdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			BillingUserID: user.ID,
			Type:          creditdomain.TransactionTypeGrant,
			Status:        creditdomain.TransactionStatusGranted,
			TotalAmount:   req.Amount,
			Description:   req.Description,
			Metadata:      metadata,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.repo.InsertTransaction(ctx, tx, record); err != nil {
			return err
		}

		detail := creditdomain.CreditTransactionDetail{
			ID:            s.genID.Generate(),
			TransactionID: record.ID,
			GrantID:       grant.ID,
			Amount:        req.Amount,
			BalanceAfter:  grant.RemainingAmount(),
			CreatedAt:     now,
		}
		if err := s.repo.InsertDetails(ctx, tx, []creditdomain.CreditTransactionDetail{detail}); err != nil {
			return err
		}

		result = s.toResult(record, req.UserID, []creditdomain.CreditTransactionDetail{detail})
		result.GrantID = grant.ID.String()
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	s.recordTransaction(ctx, creditdomain.TransactionTypeGrant)
	s.log.Info("credits granted",
		zap.String("user_id", req.UserID),
		zap.String("source", string(source)),
		zap.Int64("amount", req.Amount),
	)
	return result, nil
}

func (s *Service) Reserve(ctx context.Context, req creditdomain.ReserveRequest) (*creditdomain.TransactionResult, error) {
	return s.draw(ctx, drawOp{
		userID:      req.UserID,
		amount:      req.Amount,
		description: req.Description,
		metadata:    req.Metadata,
		txType:      creditdomain.TransactionTypeReserve,
		txStatus:    creditdomain.TransactionStatusReserved,
	})
}

func (s *Service) DeductDirect(ctx context.Context, req creditdomain.DeductRequest) (*creditdomain.TransactionResult, error) {
	return s.draw(ctx, drawOp{
		userID:      req.UserID,
		amount:      req.Amount,
		description: req.Description,
		metadata:    req.Metadata,
		txType:      creditdomain.TransactionTypeDeduct,
		txStatus:    creditdomain.TransactionStatusConfirmed,
	})
}

type drawOp struct {
	userID      string
	amount      int64
	description string
	metadata    map[string]any
	txType      creditdomain.TransactionType
	txStatus    creditdomain.TransactionStatus
}

// draw implements RESERVE and direct DEDUCT, which differ only in which
// balance field absorbs the amount and in the recorded status.
func (s *Service) draw(ctx context.Context, op drawOp) (*creditdomain.TransactionResult, error) {
	if op.amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	metadata, err := marshalMetadata(op.metadata)
	if err != nil {
		return nil, err
	}

	var result *creditdomain.TransactionResult
	err = s.withConflictRetry(ctx, op.txType, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			user, err := s.ensureUser(ctx, tx, op.userID)
			if err != nil {
				return err
			}

			grants, err := s.repo.EligibleGrants(ctx, tx, user.ID, now)
			if err != nil {
				return err
			}

			views := make([]allocation.GrantView, 0, len(grants))
			byID := make(map[snowflake.ID]creditdomain.CreditGrant, len(grants))
			for _, g := range grants {
				byID[g.ID] = g
				views = append(views, allocation.GrantView{
					GrantID:    g.ID,
					Available:  g.AvailableAmount(),
					ValidUntil: g.ValidUntil,
					CreatedAt:  g.CreatedAt,
				})
			}

			plan, err := allocation.PlanDraw(views, op.amount)
			if err != nil {
				return err
			}

			record := &creditdomain.CreditTransaction{
				ID:            s.genID.Generate(),
				BillingUserID: user.ID,
				Type:          op.txType,
				Status:        op.txStatus,
				TotalAmount:   op.amount,
				Description:   op.description,
				Metadata:      metadata,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := s.repo.InsertTransaction(ctx, tx, record); err != nil {
				return err
			}

			details := make([]creditdomain.CreditTransactionDetail, 0, len(plan))
			for _, entry := range plan {
				grant := byID[entry.GrantID]
				var usedDelta, reservedDelta int64
				if op.txType == creditdomain.TransactionTypeReserve {
					reservedDelta = entry.Amount
				} else {
					usedDelta = entry.Amount
				}
				updated, err := s.repo.ApplyDelta(ctx, tx, grant.ID, usedDelta, reservedDelta, grant.Version)
				if err != nil {
					return err
				}
				details = append(details, creditdomain.CreditTransactionDetail{
					ID:            s.genID.Generate(),
					TransactionID: record.ID,
					GrantID:       grant.ID,
					Amount:        entry.Amount,
					BalanceAfter:  updated.RemainingAmount(),
					CreatedAt:     now,
				})
			}
			if err := s.repo.InsertDetails(ctx, tx, details); err != nil {
				return err
			}

			result = s.toResult(record, op.userID, details)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, creditdomain.ErrInsufficientCredits) {
			s.recordInsufficient(ctx, op.txType)
		}
		s.recordFailure(ctx, op, err)
		return nil, wrapStoreErr(err)
	}

	s.recordTransaction(ctx, op.txType)
	return result, nil
}

func (s *Service) Confirm(ctx context.Context, req creditdomain.ConfirmRequest) (*creditdomain.TransactionResult, error) {
	reservationID, err := creditdomain.ParseID(req.TransactionID)
	if err != nil {
		return nil, creditdomain.ErrInvalidID
	}
	if req.Amount != nil && *req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	var result *creditdomain.TransactionResult
	err = s.withConflictRetry(ctx, creditdomain.TransactionTypeDeduct, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			reservation, err := s.repo.TransactionByID(ctx, tx, reservationID)
			if err != nil {
				return err
			}
			if reservation == nil {
				return creditdomain.ErrNotFound
			}
			if reservation.Type != creditdomain.TransactionTypeReserve {
				return creditdomain.ErrInvalidState
			}

			amount := reservation.TotalAmount
			if req.Amount != nil {
				amount = *req.Amount
			}
			if amount > reservation.TotalAmount {
				return creditdomain.ErrInvalidState
			}

			// Guarded transition also serializes concurrent settles of the
			// same reservation.
			if err := s.repo.TransitionStatus(ctx, tx, reservation.ID,
				creditdomain.TransactionStatusReserved, creditdomain.TransactionStatusConfirmed); err != nil {
				return err
			}

			held, err := s.repo.DetailsByTransaction(ctx, tx, reservation.ID)
			if err != nil {
				return err
			}

			confirmPlan, err := allocation.PlanReturn(detailViews(held), amount)
			if err != nil {
				return err
			}
			confirmed := make(map[snowflake.ID]int64, len(confirmPlan))
			for _, entry := range confirmPlan {
				confirmed[entry.GrantID] += entry.Amount
			}

			record := &creditdomain.CreditTransaction{
				ID:                   s.genID.Generate(),
				BillingUserID:        reservation.BillingUserID,
				Type:                 creditdomain.TransactionTypeDeduct,
				Status:               creditdomain.TransactionStatusConfirmed,
				TotalAmount:          amount,
				RelatedTransactionID: &reservation.ID,
				Description:          reservation.Description,
				Metadata:             reservation.Metadata,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if err := s.repo.InsertTransaction(ctx, tx, record); err != nil {
				return err
			}

			// Settle every held grant: the confirmed portion moves from
			// reserved to used, the rest of the hold is released.
			details := make([]creditdomain.CreditTransactionDetail, 0, len(confirmPlan))
			for _, d := range held {
				grant, err := s.repo.GrantByID(ctx, tx, d.GrantID)
				if err != nil {
					return err
				}
				if grant == nil {
					return creditdomain.ErrGrantNotFound
				}
				usedDelta := confirmed[d.GrantID]
				updated, err := s.repo.ApplyDelta(ctx, tx, grant.ID, usedDelta, -d.Amount, grant.Version)
				if err != nil {
					return err
				}
				if usedDelta > 0 {
					details = append(details, creditdomain.CreditTransactionDetail{
						ID:            s.genID.Generate(),
						TransactionID: record.ID,
						GrantID:       grant.ID,
						Amount:        usedDelta,
						BalanceAfter:  updated.RemainingAmount(),
						CreatedAt:     now,
					})
				}
			}
			if err := s.repo.InsertDetails(ctx, tx, details); err != nil {
				return err
			}

			userID, err := s.externalUserID(ctx, tx, reservation.BillingUserID)
			if err != nil {
				return err
			}
			result = s.toResult(record, userID, details)
			return nil
		})
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	s.recordTransaction(ctx, creditdomain.TransactionTypeDeduct)
	return result, nil
}

func (s *Service) Release(ctx context.Context, req creditdomain.ReleaseRequest) (*creditdomain.TransactionResult, error) {
	reservationID, err := creditdomain.ParseID(req.TransactionID)
	if err != nil {
		return nil, creditdomain.ErrInvalidID
	}

	var result *creditdomain.TransactionResult
	err = s.withConflictRetry(ctx, creditdomain.TransactionTypeRelease, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			reservation, err := s.repo.TransactionByID(ctx, tx, reservationID)
			if err != nil {
				return err
			}
			if reservation == nil {
				return creditdomain.ErrNotFound
			}
			if reservation.Type != creditdomain.TransactionTypeReserve {
				return creditdomain.ErrInvalidState
			}

			if err := s.repo.TransitionStatus(ctx, tx, reservation.ID,
				creditdomain.TransactionStatusReserved, creditdomain.TransactionStatusReleased); err != nil {
				return err
			}

			held, err := s.repo.DetailsByTransaction(ctx, tx, reservation.ID)
			if err != nil {
				return err
			}

			record := &creditdomain.CreditTransaction{
				ID:                   s.genID.Generate(),
				BillingUserID:        reservation.BillingUserID,
				Type:                 creditdomain.TransactionTypeRelease,
				Status:               creditdomain.TransactionStatusReleased,
				TotalAmount:          reservation.TotalAmount,
				RelatedTransactionID: &reservation.ID,
				Description:          reservation.Description,
				Metadata:             reservation.Metadata,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if err := s.repo.InsertTransaction(ctx, tx, record); err != nil {
				return err
			}

			details := make([]creditdomain.CreditTransactionDetail, 0, len(held))
			for _, d := range held {
				grant, err := s.repo.GrantByID(ctx, tx, d.GrantID)
				if err != nil {
					return err
				}
				if grant == nil {
					return creditdomain.ErrGrantNotFound
				}
				updated, err := s.repo.ApplyDelta(ctx, tx, grant.ID, 0, -d.Amount, grant.Version)
				if err != nil {
					return err
				}
				details = append(details, creditdomain.CreditTransactionDetail{
					ID:            s.genID.Generate(),
					TransactionID: record.ID,
					GrantID:       grant.ID,
					Amount:        d.Amount,
					BalanceAfter:  updated.RemainingAmount(),
					CreatedAt:     now,
				})
			}
			if err := s.repo.InsertDetails(ctx, tx, details); err != nil {
				return err
			}

			userID, err := s.externalUserID(ctx, tx, reservation.BillingUserID)
			if err != nil {
				return err
			}
			result = s.toResult(record, userID, details)
			return nil
		})
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	s.recordTransaction(ctx, creditdomain.TransactionTypeRelease)
	return result, nil
}

func (s *Service) Refund(ctx context.Context, req creditdomain.RefundRequest) (*creditdomain.TransactionResult, error) {
	originalID, err := creditdomain.ParseID(req.TransactionID)
	if err != nil {
		return nil, creditdomain.ErrInvalidID
	}
	if req.Amount != nil && *req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	var result *creditdomain.TransactionResult
	err = s.withConflictRetry(ctx, creditdomain.TransactionTypeRefund, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			original, err := s.repo.TransactionByID(ctx, tx, originalID)
			if err != nil {
				return err
			}
			if original == nil {
				return creditdomain.ErrNotFound
			}
			if original.Type != creditdomain.TransactionTypeDeduct {
				return creditdomain.ErrInvalidState
			}
			if original.Status != creditdomain.TransactionStatusConfirmed {
				return creditdomain.ErrInvalidState
			}

			refundable := original.TotalAmount - original.RefundedAmount
			amount := refundable
			if req.Amount != nil {
				amount = *req.Amount
			}
			if amount > refundable {
				return creditdomain.ErrOverRefund
			}
			if amount <= 0 {
				return creditdomain.ErrInvalidAmount
			}

			spent, err := s.repo.DetailsByTransaction(ctx, tx, original.ID)
			if err != nil {
				return err
			}
			alreadyRefunded, err := s.repo.RefundedPerGrant(ctx, tx, original.ID)
			if err != nil {
				return err
			}

			// Drain the original details in recorded order, net of what
			// earlier partial refunds already returned.
			net := make([]allocation.DetailView, 0, len(spent))
			for _, d := range spent {
				net = append(net, allocation.DetailView{
					GrantID: d.GrantID,
					Amount:  d.Amount - alreadyRefunded[d.GrantID],
				})
			}
			plan, err := allocation.PlanReturn(net, amount)
			if err != nil {
				return err
			}

			record := &creditdomain.CreditTransaction{
				ID:                   s.genID.Generate(),
				BillingUserID:        original.BillingUserID,
				Type:                 creditdomain.TransactionTypeRefund,
				Status:               creditdomain.TransactionStatusRefunded,
				TotalAmount:          amount,
				RefundAmount:         &amount,
				RelatedTransactionID: &original.ID,
				Description:          req.Description,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if err := s.repo.InsertTransaction(ctx, tx, record); err != nil {
				return err
			}

			details := make([]creditdomain.CreditTransactionDetail, 0, len(plan))
			for _, entry := range plan {
				grant, err := s.repo.GrantByID(ctx, tx, entry.GrantID)
				if err != nil {
					return err
				}
				if grant == nil {
					return creditdomain.ErrGrantNotFound
				}
				updated, err := s.repo.ApplyDelta(ctx, tx, grant.ID, -entry.Amount, 0, grant.Version)
				if err != nil {
					return err
				}
				details = append(details, creditdomain.CreditTransactionDetail{
					ID:            s.genID.Generate(),
					TransactionID: record.ID,
					GrantID:       grant.ID,
					Amount:        entry.Amount,
					BalanceAfter:  updated.RemainingAmount(),
					CreatedAt:     now,
				})
			}
			if err := s.repo.InsertDetails(ctx, tx, details); err != nil {
				return err
			}

			finalize := original.RefundedAmount+amount == original.TotalAmount
			if err := s.repo.AddRefundProgress(ctx, tx, original.ID, amount, finalize); err != nil {
				return err
			}

			userID, err := s.externalUserID(ctx, tx, original.BillingUserID)
			if err != nil {
				return err
			}
			result = s.toResult(record, userID, details)
			return nil
		})
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	s.recordTransaction(ctx, creditdomain.TransactionTypeRefund)
	s.log.Info("deduction refunded",
		zap.String("transaction_id", req.TransactionID),
		zap.Int64("amount", result.TotalAmount),
	)
	return result, nil
}

func (s *Service) AvailableBalance(ctx context.Context, externalUserID string, asOf time.Time) (int64, error) {
	user, err := s.findUser(ctx, externalUserID)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, nil
	}
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	total, err := s.repo.AvailableBalance(ctx, s.db, user.ID, asOf)
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return total, nil
}

func (s *Service) PendingBalance(ctx context.Context, externalUserID string) (int64, error) {
	user, err := s.findUser(ctx, externalUserID)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, nil
	}
	total, err := s.repo.PendingBalance(ctx, s.db, user.ID)
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return total, nil
}

func (s *Service) ListGrants(ctx context.Context, externalUserID string) ([]creditdomain.GrantResponse, error) {
	user, err := s.findUser(ctx, externalUserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return []creditdomain.GrantResponse{}, nil
	}
	grants, err := s.repo.ListGrants(ctx, s.db, user.ID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	out := make([]creditdomain.GrantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, creditdomain.GrantResponse{
			ID:              g.ID.String(),
			UserID:          externalUserID,
			Amount:          g.Amount,
			UsedAmount:      g.UsedAmount,
			ReservedAmount:  g.ReservedAmount,
			RemainingAmount: g.RemainingAmount(),
			AvailableAmount: g.AvailableAmount(),
			Source:          g.Source,
			ValidFrom:       g.ValidFrom,
			ValidUntil:      g.ValidUntil,
			CreatedAt:       g.CreatedAt,
		})
	}
	return out, nil
}

func (s *Service) ListTransactions(ctx context.Context, externalUserID string) ([]creditdomain.TransactionResponse, error) {
	user, err := s.findUser(ctx, externalUserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return []creditdomain.TransactionResponse{}, nil
	}
	txs, err := s.repo.ListTransactions(ctx, s.db, user.ID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	out := make([]creditdomain.TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		details, err := s.repo.DetailsByTransaction(ctx, s.db, tx.ID)
		if err != nil {
			return nil, wrapStoreErr(err)
		}
		entries := make([]creditdomain.AllocationEntry, 0, len(details))
		for _, d := range details {
			entries = append(entries, creditdomain.AllocationEntry{
				GrantID:      d.GrantID.String(),
				Amount:       d.Amount,
				BalanceAfter: d.BalanceAfter,
			})
		}
		resp := creditdomain.TransactionResponse{
			ID:             tx.ID.String(),
			UserID:         externalUserID,
			Type:           tx.Type,
			Status:         tx.Status,
			TotalAmount:    tx.TotalAmount,
			RefundAmount:   tx.RefundAmount,
			RefundedAmount: tx.RefundedAmount,
			Description:    tx.Description,
			Details:        entries,
			CreatedAt:      tx.CreatedAt,
		}
		if tx.RelatedTransactionID != nil {
			resp.RelatedTransactionID = tx.RelatedTransactionID.String()
		}
		out = append(out, resp)
	}
	return out, nil
}

// withConflictRetry reruns the operation after optimistic-lock conflicts,
// bounded by the configured retry count. Each rerun reselects grants, so a
// competing writer that drained the balance surfaces as
// ErrInsufficientCredits rather than a conflict.
func (s *Service) withConflictRetry(ctx context.Context, txType creditdomain.TransactionType, fn func() error) error {
	maxAttempts := s.policy.Get().MaxConflictRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, creditdomain.ErrConcurrentModification) {
			return err
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordConflictRetry(ctx, string(txType))
		}
		s.log.Debug("retrying after grant version conflict",
			zap.String("tx_type", string(txType)),
			zap.Int("attempt", attempt),
		)
	}
	return err
}

func (s *Service) ensureUser(ctx context.Context, db *gorm.DB, externalUserID string) (*billinguserdomain.BillingUser, error) {
	externalUserID = strings.TrimSpace(externalUserID)
	if externalUserID == "" {
		return nil, creditdomain.ErrInvalidUser
	}

	user, err := s.userRepo.FindByExternalID(ctx, db, externalUserID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	now := s.clock.Now()
	user = &billinguserdomain.BillingUser{
		ID:             s.genID.Generate(),
		ExternalUserID: externalUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.userRepo.Insert(ctx, db, user); err != nil {
		// Lost a creation race; the winner's row is the billing user.
		if pkgdb.IsDuplicateKeyErr(err) {
			return s.userRepo.FindByExternalID(ctx, db, externalUserID)
		}
		return nil, err
	}
	return user, nil
}

func (s *Service) findUser(ctx context.Context, externalUserID string) (*billinguserdomain.BillingUser, error) {
	externalUserID = strings.TrimSpace(externalUserID)
	if externalUserID == "" {
		return nil, creditdomain.ErrInvalidUser
	}
	return s.userRepo.FindByExternalID(ctx, s.db, externalUserID)
}

func (s *Service) externalUserID(ctx context.Context, db *gorm.DB, billingUserID snowflake.ID) (string, error) {
	user, err := s.userRepo.FindByID(ctx, db, billingUserID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", billinguserdomain.ErrNotFound
	}
	return user.ExternalUserID, nil
}

func (s *Service) toResult(tx *creditdomain.CreditTransaction, userID string, details []creditdomain.CreditTransactionDetail) *creditdomain.TransactionResult {
	entries := make([]creditdomain.AllocationEntry, 0, len(details))
	for _, d := range details {
		entries = append(entries, creditdomain.AllocationEntry{
			GrantID:      d.GrantID.String(),
			Amount:       d.Amount,
			BalanceAfter: d.BalanceAfter,
		})
	}
	result := &creditdomain.TransactionResult{
		TransactionID: tx.ID.String(),
		UserID:        userID,
		Type:          tx.Type,
		Status:        tx.Status,
		TotalAmount:   tx.TotalAmount,
		RefundAmount:  tx.RefundAmount,
		Allocations:   entries,
		CreatedAt:     tx.CreatedAt,
	}
	if tx.RelatedTransactionID != nil {
		result.RelatedTransactionID = tx.RelatedTransactionID.String()
	}
	return result
}

// recordFailure writes a failed transaction row outside the rolled-back
// operation, best effort, so rejected draws stay visible in the audit trail.
func (s *Service) recordFailure(ctx context.Context, op drawOp, cause error) {
	if !errors.Is(cause, creditdomain.ErrInsufficientCredits) &&
		!errors.Is(cause, creditdomain.ErrConcurrentModification) {
		return
	}

	user, err := s.findUser(ctx, op.userID)
	if err != nil || user == nil {
		return
	}

	now := s.clock.Now()
	metadata, _ := marshalMetadata(op.metadata)
	record := &creditdomain.CreditTransaction{
		ID:            s.genID.Generate(),
		BillingUserID: user.ID,
		Type:          op.txType,
		Status:        creditdomain.TransactionStatusFailed,
		TotalAmount:   op.amount,
		Description:   op.description,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.InsertTransaction(ctx, s.db, record); err != nil {
		s.log.Warn("failed to record rejected transaction", zap.Error(err))
	}
}

func (s *Service) recordTransaction(ctx context.Context, txType creditdomain.TransactionType) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordTransaction(ctx, string(txType))
	}
}

func (s *Service) recordInsufficient(ctx context.Context, txType creditdomain.TransactionType) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordInsufficientCredits(ctx, string(txType))
	}
}

func detailViews(details []creditdomain.CreditTransactionDetail) []allocation.DetailView {
	views := make([]allocation.DetailView, 0, len(details))
	for _, d := range details {
		views = append(views, allocation.DetailView{GrantID: d.GrantID, Amount: d.Amount})
	}
	return views
}

func marshalMetadata(metadata map[string]any) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, creditdomain.ErrInvalidMetadata
	}
	return datatypes.JSON(raw), nil
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInsufficientCredits),
		errors.Is(err, creditdomain.ErrInvalidState),
		errors.Is(err, creditdomain.ErrOverRefund),
		errors.Is(err, creditdomain.ErrConcurrentModification),
		errors.Is(err, creditdomain.ErrNotFound),
		errors.Is(err, creditdomain.ErrGrantNotFound),
		errors.Is(err, creditdomain.ErrInvalidUser),
		errors.Is(err, creditdomain.ErrInvalidSource),
		errors.Is(err, creditdomain.ErrInvalidValidity),
		errors.Is(err, creditdomain.ErrInvalidMetadata),
		errors.Is(err, creditdomain.ErrInvalidID):
		return err
	default:
		return errors.Join(creditdomain.ErrStoreUnavailable, err)
	}
}
