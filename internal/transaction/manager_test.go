package transaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"binance-cycle-bot-go/internal/models"
	"binance-cycle-bot-go/internal/persistence"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedStore wraps a real in-memory repository and injects failures in order.
type scriptedStore struct {
	*persistence.BadgerRepository

	mu             sync.Mutex
	updateErrs     []error
	updateCalls    int
	saveIntentErrs []error
}

func (s *scriptedStore) AtomicUpdate(ctx context.Context, id string, update models.CycleUpdate, opts models.UpdateOptions) (*models.UpdateResult, error) {
	s.mu.Lock()
	s.updateCalls++
	var err error
	if len(s.updateErrs) > 0 {
		err, s.updateErrs = s.updateErrs[0], s.updateErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.BadgerRepository.AtomicUpdate(ctx, id, update, opts)
}

func (s *scriptedStore) SaveIntent(ctx context.Context, intent *models.WALIntent) error {
	s.mu.Lock()
	var err error
	if len(s.saveIntentErrs) > 0 {
		err, s.saveIntentErrs = s.saveIntentErrs[0], s.saveIntentErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.BadgerRepository.SaveIntent(ctx, intent)
}

func transient() error {
	return &models.TransientError{Op: "atomic update", Err: badger.ErrConflict}
}

func newTestManager(t *testing.T) (*Manager, *scriptedStore, *[]time.Duration) {
	t.Helper()
	repo, err := persistence.NewInMemoryBadgerRepository()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	require.NoError(t, repo.InsertCycle(context.Background(), &models.CycleState{
		ID:                 "cycle-1",
		Status:             models.StatusReady,
		CapitalAvailable:   decimal.NewFromInt(1000),
		PurchasesRemaining: 5,
		BuyAmount:          decimal.NewFromInt(200),
		Version:            1,
	}))

	store := &scriptedStore{BadgerRepository: repo}
	m := NewManager(store, Options{Retry: RetryConfig{MaxRetries: 3, InitialDelay: 10 * time.Millisecond}}, zap.NewNop())
	var sleeps []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return m, store, &sleeps
}

func capitalUpdate(v int64) models.CycleUpdate {
	return models.CycleUpdate{CapitalAvailable: models.DecimalPtr(decimal.NewFromInt(v))}
}

func eventTypes(t *testing.T, store *scriptedStore) []string {
	t.Helper()
	events, err := store.ListAudit(context.Background(), "cycle-1")
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}

func TestUpdateStateWithRetrySucceedsOnThirdAttempt(t *testing.T) {
	m, store, sleeps := newTestManager(t)
	store.updateErrs = []error{transient(), transient()}

	res, err := m.UpdateStateWithRetry(context.Background(), "cycle-1", capitalUpdate(900), RetryConfig{MaxRetries: 3, InitialDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 3, store.updateCalls)
	assert.True(t, res.Current.CapitalAvailable.Equal(decimal.NewFromInt(900)))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *sleeps)
}

func TestUpdateStateWithRetryExhaustsAttempts(t *testing.T) {
	m, store, _ := newTestManager(t)
	store.updateErrs = []error{transient(), transient(), transient(), transient()}

	_, err := m.UpdateStateWithRetry(context.Background(), "cycle-1", capitalUpdate(900), RetryConfig{})
	assert.ErrorIs(t, err, models.ErrMaxRetriesExceeded)
	assert.Equal(t, 3, store.updateCalls)
}

func TestUpdateStateWithRetryStopsOnNonTransientError(t *testing.T) {
	m, store, sleeps := newTestManager(t)
	fatal := &models.FatalError{Op: "atomic update", Err: errors.New("disk gone")}
	store.updateErrs = []error{transient(), fatal, transient()}

	_, err := m.UpdateStateWithRetry(context.Background(), "cycle-1", capitalUpdate(900), RetryConfig{MaxRetries: 5})
	assert.True(t, models.IsFatal(err))
	assert.Equal(t, 2, store.updateCalls)
	assert.Len(t, *sleeps, 1)
}

func TestUpdateStateAtomicVersionConflict(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.UpdateStateAtomic(ctx, "cycle-1", capitalUpdate(800), models.VersionPtr(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Current.Version)

	_, err = m.UpdateStateAtomic(ctx, "cycle-1", capitalUpdate(700), models.VersionPtr(1))
	assert.ErrorIs(t, err, models.ErrVersionConflict)
	assert.Equal(t, 2, store.updateCalls, "version conflicts are not retried")

	assert.Equal(t, []string{models.EventStateUpdated, models.EventVersionConflict}, eventTypes(t, store))

	events, err := store.ListAudit(ctx, "cycle-1")
	require.NoError(t, err)
	require.NotNil(t, events[0].Before)
	require.NotNil(t, events[0].After)
	assert.True(t, events[0].Before.CapitalAvailable.Equal(decimal.NewFromInt(1000)))
	assert.True(t, events[0].After.CapitalAvailable.Equal(decimal.NewFromInt(800)))
}

func TestUpdateStateCritical(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.UpdateStateCritical(ctx, "cycle-1", capitalUpdate(-1), nil)
	assert.True(t, models.IsValidation(err))
	assert.Equal(t, 0, store.updateCalls, "pre-validation happens before the store is touched")

	res, err := m.UpdateStateCritical(ctx, "cycle-1", models.CycleUpdate{PurchasesRemaining: models.IntPtr(4)}, models.VersionPtr(1))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Current.PurchasesRemaining)

	assert.Equal(t, []string{models.EventStateRollback, models.EventStateUpdated}, eventTypes(t, store))
}

func TestBatchUpdateStateRollsBack(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.BatchUpdateState(ctx, []models.BatchItem{
		{CycleID: "cycle-1", Update: capitalUpdate(500)},
		{CycleID: "missing", Update: capitalUpdate(500)},
	})
	assert.ErrorIs(t, err, models.ErrNotFound)

	state, err := store.LoadCycle(ctx, "cycle-1")
	require.NoError(t, err)
	assert.True(t, state.CapitalAvailable.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, []string{models.EventStateRollback}, eventTypes(t, store))
}

func TestExecuteWithWriteAheadLogSkipsSideEffectWhenIntentFails(t *testing.T) {
	m, store, _ := newTestManager(t)
	store.saveIntentErrs = []error{&models.FatalError{Op: "save intent", Err: errors.New("closed")}}

	called := false
	_, err := m.ExecuteWithWriteAheadLog(context.Background(), "cycle-1", nil, func(context.Context) error {
		called = true
		return nil
	}, nil)
	assert.Error(t, err)
	assert.False(t, called)
}

func TestExecuteWithWriteAheadLogLeavesIntentPendingOnSideEffectFailure(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	update := capitalUpdate(800)

	_, err := m.ExecuteWithWriteAheadLog(ctx, "cycle-1", &update, func(context.Context) error {
		return errors.New("order rejected")
	}, map[string]interface{}{"side": "BUY"})
	assert.Error(t, err)

	pending, err := store.ListIntents(ctx, "cycle-1", models.IntentPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "order rejected", pending[0].Error)

	state, err := store.LoadCycle(ctx, "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version, "state is not applied when the side effect fails")
}

func TestExecuteWithWriteAheadLogCompletesIntent(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	update := capitalUpdate(800)

	res, err := m.ExecuteWithWriteAheadLog(ctx, "cycle-1", &update, func(context.Context) error { return nil }, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Update)
	assert.True(t, res.Update.Current.CapitalAvailable.Equal(decimal.NewFromInt(800)))

	completed, err := store.ListIntents(ctx, "cycle-1", models.IntentCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, res.IntentID, completed[0].ID)
}

func TestRecoverIncompleteTransactions(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	first, second := capitalUpdate(900), capitalUpdate(700)
	intents := []*models.WALIntent{
		{ID: "later", CycleID: "cycle-1", Update: &second, Status: models.IntentPending, CreatedAt: now.Add(-time.Minute)},
		{ID: "stale", CycleID: "cycle-1", Update: &first, Status: models.IntentPending, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "earlier", CycleID: "cycle-1", Update: &first, Status: models.IntentPending, CreatedAt: now.Add(-5 * time.Minute)},
		{ID: "order-only", CycleID: "cycle-1", Status: models.IntentPending, CreatedAt: now.Add(-2 * time.Minute)},
	}
	for _, intent := range intents {
		require.NoError(t, store.BadgerRepository.SaveIntent(ctx, intent))
	}

	report, err := m.RecoverIncompleteTransactions(ctx, "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"earlier", "later"}, report.Replayed)
	assert.ElementsMatch(t, []string{"stale", "order-only"}, report.Abandoned)

	state, err := store.LoadCycle(ctx, "cycle-1")
	require.NoError(t, err)
	assert.True(t, state.CapitalAvailable.Equal(decimal.NewFromInt(700)), "replayed in chronological order")
	assert.Equal(t, int64(3), state.Version)

	pending, err := store.ListIntents(ctx, "cycle-1", models.IntentPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecoveryStopsAtFirstReplayFailure(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	first, second := capitalUpdate(900), capitalUpdate(700)
	require.NoError(t, store.BadgerRepository.SaveIntent(ctx, &models.WALIntent{
		ID: "a", CycleID: "cycle-1", Update: &first, Status: models.IntentPending, CreatedAt: now.Add(-2 * time.Minute),
	}))
	require.NoError(t, store.BadgerRepository.SaveIntent(ctx, &models.WALIntent{
		ID: "b", CycleID: "cycle-1", Update: &second, Status: models.IntentPending, CreatedAt: now.Add(-time.Minute),
	}))
	store.updateErrs = []error{models.NewValidationError("atomic update", "capital_available must be non-negative")}

	report, err := m.RecoverIncompleteTransactions(ctx, "cycle-1")
	require.Error(t, err)
	assert.Empty(t, report.Replayed)

	pending, err := store.ListIntents(ctx, "cycle-1", models.IntentPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.NotEmpty(t, pending[0].Error)
	assert.Equal(t, 0, pending[1].Attempts, "later intents are not attempted")

	state, err := store.LoadCycle(ctx, "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)
}

// failCommit makes the next state update fail as if the process died mid-write.
func failCommit(store *scriptedStore) {
	store.updateErrs = []error{&models.FatalError{Op: "atomic update", Err: errors.New("store closed")}}
}

func fillEffect(m *Manager, capital int64) SideEffect {
	return func(ctx context.Context) error {
		_, err := m.UpdateStateAtomic(ctx, "cycle-1", capitalUpdate(capital), models.VersionPtr(1))
		return err
	}
}

func TestExecuteWithWriteAheadLogRecordsSideEffectUpdate(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.ExecuteWithWriteAheadLog(ctx, "cycle-1", nil, fillEffect(m, 800), map[string]interface{}{"side": "BUY"})
	require.NoError(t, err)

	completed, err := store.ListIntents(ctx, "cycle-1", models.IntentCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.NotNil(t, completed[0].Update)
	assert.True(t, completed[0].Update.CapitalAvailable.Equal(decimal.NewFromInt(800)))
	require.NotNil(t, completed[0].Base)
	assert.Equal(t, int64(1), completed[0].Base.Version)
	assert.True(t, completed[0].Base.CapitalAvailable.Equal(decimal.NewFromInt(1000)))
}

func TestRecoveryReplaysUncommittedFillOnBase(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	failCommit(store)
	_, err := m.ExecuteWithWriteAheadLog(ctx, "cycle-1", nil, fillEffect(m, 800), nil)
	require.Error(t, err)

	pending, err := store.ListIntents(ctx, "cycle-1", models.IntentPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].Update, "the computed update survives the failed commit")
	require.NotNil(t, pending[0].Base)

	// 出错后暂停, 状态版本前进但持仓不变
	_, err = m.UpdateStateAtomic(ctx, "cycle-1", models.CycleUpdate{Status: models.StatusPtr(models.StatusPaused)}, nil)
	require.NoError(t, err)

	report, err := m.RecoverIncompleteTransactions(ctx, "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, []string{pending[0].ID}, report.Replayed)
	assert.Empty(t, report.Abandoned)

	state, err := store.LoadCycle(ctx, "cycle-1")
	require.NoError(t, err)
	assert.True(t, state.CapitalAvailable.Equal(decimal.NewFromInt(800)))
	assert.Equal(t, models.StatusPaused, state.Status)
	assert.Equal(t, int64(3), state.Version)
	assert.Contains(t, eventTypes(t, store), models.EventIntentReplayed)
}

func TestRecoverySettlesAlreadyCommittedFill(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	effect := fillEffect(m, 800)
	_, err := m.ExecuteWithWriteAheadLog(ctx, "cycle-1", nil, func(ctx context.Context) error {
		if err := effect(ctx); err != nil {
			return err
		}
		return errors.New("connection lost after commit")
	}, nil)
	require.Error(t, err)

	report, err := m.RecoverIncompleteTransactions(ctx, "cycle-1")
	require.NoError(t, err)
	assert.Len(t, report.Settled, 1)
	assert.Empty(t, report.Replayed)

	state, err := store.LoadCycle(ctx, "cycle-1")
	require.NoError(t, err)
	assert.True(t, state.CapitalAvailable.Equal(decimal.NewFromInt(800)))
	assert.Equal(t, int64(2), state.Version, "nothing is applied twice")

	pending, err := store.ListIntents(ctx, "cycle-1", models.IntentPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecoveryAbandonsFillWhenHoldingsMoved(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	failCommit(store)
	_, err := m.ExecuteWithWriteAheadLog(ctx, "cycle-1", nil, fillEffect(m, 800), nil)
	require.Error(t, err)

	_, err = m.UpdateStateAtomic(ctx, "cycle-1", capitalUpdate(500), nil)
	require.NoError(t, err)

	report, err := m.RecoverIncompleteTransactions(ctx, "cycle-1")
	require.NoError(t, err)
	assert.Len(t, report.Abandoned, 1)
	assert.Empty(t, report.Replayed)

	state, err := store.LoadCycle(ctx, "cycle-1")
	require.NoError(t, err)
	assert.True(t, state.CapitalAvailable.Equal(decimal.NewFromInt(500)))

	abandoned, err := store.ListIntents(ctx, "cycle-1", models.IntentAbandoned)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, "state changed since the intent was recorded", abandoned[0].Error)
}
