package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-svc/middleware"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	reconcileLockKey = "settlement:lock:reconcile"
	verifyLockKey    = "settlement:lock:verify-ledger"
	lockExpiry       = 10 * time.Minute
	jobTimeout       = 5 * time.Minute
)

// ErrLockHeld means another replica is running the job.
var ErrLockHeld = errors.New("job lock held by another instance")

func NewRedsync(rdb *redis.Client) *redsync.Redsync {
	return redsync.New(goredis.NewPool(rdb))
}

// Scheduler runs reconciliation and ledger verification on cron schedules.
// A redis lock keeps replicas from running the same job twice.
type Scheduler struct {
	reconciler *Reconciler
	rs         *redsync.Redsync
	cron       *cron.Cron
	now        func() time.Time
	logger     *zap.Logger
}

func NewScheduler(reconciler *Reconciler, rs *redsync.Redsync, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		reconciler: reconciler,
		rs:         rs,
		cron:       cron.New(cron.WithSeconds()),
		now:        time.Now,
		logger:     logger,
	}
}

// PreviousDay is the UTC calendar day before t.
func PreviousDay(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	to := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return to.AddDate(0, 0, -1), to
}

// ReconcileOnce reconciles every provider over the previous day and repairs
// missing orders.
func (s *Scheduler) ReconcileOnce(ctx context.Context, providers []string) error {
	return s.withLock(ctx, reconcileLockKey, func(ctx context.Context) error {
		from, to := PreviousDay(s.now())
		var errs []error
		for _, provider := range providers {
			if _, err := s.reconciler.Run(ctx, provider, from, to, true); err != nil {
				s.logger.Error("Reconciliation failed", zap.String("psp", provider), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", provider, err))
			}
		}
		return errors.Join(errs...)
	})
}

// VerifyLedgerOnce checks ledger balance and exports the drift.
func (s *Scheduler) VerifyLedgerOnce(ctx context.Context) error {
	if s.reconciler.verifier == nil {
		return errors.New("no ledger verifier configured")
	}
	return s.withLock(ctx, verifyLockKey, func(ctx context.Context) error {
		balance, err := s.reconciler.verifier.VerifyBalance(ctx)
		if err != nil {
			return err
		}
		middleware.SetLedgerDrift(balance.Drift.InexactFloat64())
		if !balance.Balanced {
			s.logger.Error("Ledger is out of balance",
				zap.String("drift", balance.Drift.StringFixed(2)),
				zap.Int("malformed", balance.Malformed),
				zap.Int("over_refunded", len(balance.OverRefunded)),
			)
			return nil
		}
		s.logger.Info("Ledger balanced")
		return nil
	})
}

func (s *Scheduler) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	mutex := s.rs.NewMutex(key,
		redsync.WithExpiry(lockExpiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		s.logger.Info("Skipping job, lock busy", zap.String("lock", key), zap.Error(err))
		return ErrLockHeld
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release job lock", zap.String("lock", key), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// Start registers both jobs and starts the cron loop. An empty schedule disables
// that job.
func (s *Scheduler) Start(reconcileSpec, verifySpec string, providers []string) error {
	if reconcileSpec != "" {
		if _, err := s.cron.AddFunc(reconcileSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			s.logger.Info("Starting scheduled reconciliation", zap.Strings("providers", providers))
			if err := s.ReconcileOnce(ctx, providers); err != nil && !errors.Is(err, ErrLockHeld) {
				s.logger.Error("Scheduled reconciliation failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule reconciliation: %w", err)
		}
	}
	if verifySpec != "" && s.reconciler.verifier != nil {
		if _, err := s.cron.AddFunc(verifySpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := s.VerifyLedgerOnce(ctx); err != nil && !errors.Is(err, ErrLockHeld) {
				s.logger.Error("Scheduled ledger verification failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule ledger verification: %w", err)
		}
	}
	s.cron.Start()
	s.logger.Info("Scheduler started",
		zap.String("reconcile", reconcileSpec),
		zap.String("verify_ledger", verifySpec),
	)
	return nil
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduler stopped with jobs still running")
	}
}
