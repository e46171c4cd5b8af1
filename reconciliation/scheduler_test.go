package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement-svc/ledger"
	"settlement-svc/psp"
	"settlement-svc/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedsync(t *testing.T) *redsync.Redsync {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedsync(rdb)
}

func TestPreviousDay(t *testing.T) {
	from, to := PreviousDay(time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), to)
}

func TestReconcileOnce(t *testing.T) {
	store := repository.NewMemoryStore()
	seedSettled(t, store, "fakepsp", "500", settledOpts{noOrder: true})
	repairer := &orderRepairer{store: store}
	registry := psp.NewRegistry("fakepsp", &stubAdapter{name: "fakepsp"}, &stubAdapter{name: "otherpsp"})
	s := NewScheduler(NewReconciler(store, registry, nil, repairer, zaptest.NewLogger(t)), newTestRedsync(t), zaptest.NewLogger(t))
	// the day being reconciled is today
	s.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 1) }

	require.NoError(t, s.ReconcileOnce(context.Background(), registry.Names()))

	reports := store.Reconciliations()
	require.Len(t, reports, 2)
	assert.Len(t, repairer.repaired, 1)
}

func TestReconcileOnce_CollectsProviderErrors(t *testing.T) {
	store := repository.NewMemoryStore()
	registry := psp.NewRegistry("fakepsp", &stubAdapter{name: "fakepsp"})
	s := NewScheduler(NewReconciler(store, registry, nil, nil, zaptest.NewLogger(t)), newTestRedsync(t), zaptest.NewLogger(t))

	err := s.ReconcileOnce(context.Background(), []string{"fakepsp", "nopsp"})
	assert.ErrorIs(t, err, psp.ErrUnknownProvider)
	assert.Len(t, store.Reconciliations(), 1)
}

func TestReconcileOnce_SkipsWhenLockHeld(t *testing.T) {
	store := repository.NewMemoryStore()
	rs := newTestRedsync(t)
	registry := psp.NewRegistry("fakepsp", &stubAdapter{name: "fakepsp"})
	s := NewScheduler(NewReconciler(store, registry, nil, nil, zaptest.NewLogger(t)), rs, zaptest.NewLogger(t))

	held := rs.NewMutex(reconcileLockKey, redsync.WithExpiry(time.Minute))
	require.NoError(t, held.Lock())

	err := s.ReconcileOnce(context.Background(), []string{"fakepsp"})
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Empty(t, store.Reconciliations())

	_, err = held.Unlock()
	require.NoError(t, err)
	require.NoError(t, s.ReconcileOnce(context.Background(), []string{"fakepsp"}))
	assert.Len(t, store.Reconciliations(), 1)
}

func TestVerifyLedgerOnce(t *testing.T) {
	registry := psp.NewRegistry("fakepsp", &stubAdapter{name: "fakepsp"})
	store := repository.NewMemoryStore()

	verifier := &stubVerifier{balance: &ledger.Balance{Balanced: false, Drift: decimal.NewFromInt(5)}}
	s := NewScheduler(NewReconciler(store, registry, verifier, nil, zaptest.NewLogger(t)), newTestRedsync(t), zaptest.NewLogger(t))
	assert.NoError(t, s.VerifyLedgerOnce(context.Background()))

	verifier.err = errors.New("db down")
	assert.Error(t, s.VerifyLedgerOnce(context.Background()))

	s = NewScheduler(NewReconciler(store, registry, nil, nil, zaptest.NewLogger(t)), newTestRedsync(t), zaptest.NewLogger(t))
	assert.Error(t, s.VerifyLedgerOnce(context.Background()))
}

func TestStartStop(t *testing.T) {
	registry := psp.NewRegistry("fakepsp", &stubAdapter{name: "fakepsp"})
	s := NewScheduler(NewReconciler(repository.NewMemoryStore(), registry, balanced(), nil, zaptest.NewLogger(t)), newTestRedsync(t), zaptest.NewLogger(t))

	require.Error(t, s.Start("every tuesday", "", nil))

	s = NewScheduler(NewReconciler(repository.NewMemoryStore(), registry, balanced(), nil, zaptest.NewLogger(t)), newTestRedsync(t), zaptest.NewLogger(t))
	require.NoError(t, s.Start("0 30 2 * * *", "0 */15 * * * *", registry.Names()))
	assert.Len(t, s.cron.Entries(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
