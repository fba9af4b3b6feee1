package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sweepLockKey = "ledger:sweep:expiry"
	sweepLockTTL = 5 * time.Minute
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       creditdomain.Repository
	Clock      clock.Clock
	Policy     *config.PolicyHolder
	Locker     *ratelimit.Locker   `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Sweeper periodically reports grants whose validity ended while credits
// were still available. Expiry itself needs no write: eligibility filters
// exclude lapsed grants at read time, so the sweep is observation only.
type Sweeper struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       creditdomain.Repository
	clock      clock.Clock
	policy     *config.PolicyHolder
	locker     *ratelimit.Locker
	obsMetrics *obsmetrics.Metrics

	lastSweep time.Time
}

func New(p Params) *Sweeper {
	return &Sweeper{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "expiry_sweep")),
		repo:       p.Repo,
		clock:      p.Clock,
		policy:     p.Policy,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
	}
}

// RunOnce sweeps the window since the previous run. The first run looks
// back one sweep interval.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.clock.Now()
	since := s.lastSweep
	if since.IsZero() {
		since = now.Add(-s.policy.Get().ExpirySweepInterval)
	}

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, sweepLockKey, sweepLockTTL)
		if err != nil {
			s.log.Warn("sweep lock unavailable, proceeding unlocked", zap.Error(err))
		} else if !ok {
			// Another replica holds the sweep.
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(ctx, sweepLockKey, token); err != nil {
					s.log.Warn("failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	totals, err := s.repo.ExpiredGrantTotals(ctx, s.db, since, now)
	if err != nil {
		return err
	}
	s.lastSweep = now

	for _, total := range totals {
		s.log.Info("credits expired unspent",
			zap.String("billing_user_id", total.BillingUserID.String()),
			zap.String("source", string(total.Source)),
			zap.Int64("expired_amount", total.ExpiredAmount),
		)
		if s.obsMetrics != nil {
			s.obsMetrics.RecordExpiredCredits(ctx, string(total.Source), total.ExpiredAmount)
		}
	}
	return nil
}

func (s *Sweeper) RunForever(ctx context.Context) {
	interval := s.policy.Get().ExpirySweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("expiry sweep failed", zap.Error(err))
		}
		// The interval is hot-reloadable.
		if next := s.policy.Get().ExpirySweepInterval; next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}
