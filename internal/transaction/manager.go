// Package transaction is the single write path for cycle state. It wraps the store's
// conditional update with retries, write-ahead intents, batch updates and an audit
// trail of every attempt.
package transaction

import (
	"context"
	"time"

	"binance-cycle-bot-go/internal/metrics"
	"binance-cycle-bot-go/internal/models"
	"binance-cycle-bot-go/internal/persistence"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Store is the persistence surface the manager needs.
type Store interface {
	persistence.CycleStore
	persistence.AuditLog
	persistence.IntentLog
}

// RetryConfig bounds UpdateStateWithRetry. MaxRetries is the total number of attempts.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
}

// Options configure a Manager.
type Options struct {
	Retry RetryConfig
	// StaleAfter is the age beyond which a pending intent is abandoned instead of replayed.
	StaleAfter time.Duration
}

// DefaultOptions returns three attempts starting at 100ms and a one hour staleness window.
func DefaultOptions() Options {
	return Options{
		Retry:      RetryConfig{MaxRetries: 3, InitialDelay: 100 * time.Millisecond},
		StaleAfter: time.Hour,
	}
}

// Manager persists cycle state changes.
type Manager struct {
	store  Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewManager creates a new Manager.
func NewManager(store Store, opts Options, logger *zap.Logger) *Manager {
	defaults := DefaultOptions()
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry.MaxRetries = defaults.Retry.MaxRetries
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaults.StaleAfter
	}
	return &Manager{
		store:  store,
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateStateAtomic issues one conditional update. A mismatching expectedVersion fails
// with models.ErrVersionConflict and is not retried.
func (m *Manager) UpdateStateAtomic(ctx context.Context, cycleID string, update models.CycleUpdate, expectedVersion *int64) (*models.UpdateResult, error) {
	return m.apply(ctx, "atomic", cycleID, update, models.UpdateOptions{ExpectedVersion: expectedVersion})
}

// UpdateStateCritical rejects updates that would drive capital or purchases negative before
// touching the store, then applies the update with serializable checks inside the transaction.
func (m *Manager) UpdateStateCritical(ctx context.Context, cycleID string, update models.CycleUpdate, expectedVersion *int64) (*models.UpdateResult, error) {
	var violations []string
	if update.CapitalAvailable != nil && update.CapitalAvailable.IsNegative() {
		violations = append(violations, "capital_available must be non-negative")
	}
	if update.PurchasesRemaining != nil && *update.PurchasesRemaining < 0 {
		violations = append(violations, "purchases_remaining must be non-negative")
	}
	if len(violations) > 0 {
		err := models.NewValidationError("critical update", violations...)
		m.recordFailure(ctx, "critical", cycleID, update, err)
		return nil, err
	}
	return m.apply(ctx, "critical", cycleID, update, models.UpdateOptions{
		ExpectedVersion: expectedVersion,
		Isolation:       models.IsolationSerializable,
	})
}

// UpdateStateWithRetry retries transient failures with exponential backoff
// (InitialDelay * 2^attempt). Any other error is returned immediately. A zero
// RetryConfig uses the manager's defaults.
func (m *Manager) UpdateStateWithRetry(ctx context.Context, cycleID string, update models.CycleUpdate, retry RetryConfig) (*models.UpdateResult, error) {
	if retry.MaxRetries <= 0 {
		retry = m.opts.Retry
	}
	b := &backoff.Backoff{
		Min:    retry.InitialDelay,
		Max:    retry.InitialDelay << uint(retry.MaxRetries),
		Factor: 2,
	}

	var lastErr error
	for attempt := 0; attempt < retry.MaxRetries; attempt++ {
		res, err := m.apply(ctx, "retry", cycleID, update, models.UpdateOptions{})
		if err == nil {
			return res, nil
		}
		if !models.IsTransient(err) {
			return nil, err
		}
		lastErr = err
		if attempt == retry.MaxRetries-1 {
			break
		}

		metrics.StateUpdateRetries.Inc()
		delay := time.Duration(0)
		if retry.InitialDelay > 0 {
			delay = b.ForAttempt(float64(attempt))
		}
		m.logger.Warn("Transient state update failure, retrying",
			zap.String("cycle_id", cycleID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := m.sleep(ctx, delay); err != nil {
			return nil, errors.Wrap(err, "retry interrupted")
		}
	}
	return nil, errors.Wrapf(models.ErrMaxRetriesExceeded, "cycle %s after %d attempts: %v", cycleID, retry.MaxRetries, lastErr)
}

// BatchUpdateState applies independent per-cycle updates in one transaction.
func (m *Manager) BatchUpdateState(ctx context.Context, items []models.BatchItem) ([]models.UpdateResult, error) {
	if len(items) == 0 {
		return nil, nil
	}
	results, err := m.store.BatchUpdate(ctx, items)
	if err != nil {
		metrics.StateUpdates.WithLabelValues("batch", "rollback").Inc()
		for _, item := range items {
			event := models.NewAuditEvent(item.CycleID, models.EventStateRollback, models.SeverityError, map[string]interface{}{
				"op":         "batch",
				"batch_size": len(items),
				"error":      err.Error(),
			})
			m.appendAudit(ctx, event)
		}
		m.logger.Error("Batch state update rolled back", zap.Int("items", len(items)), zap.Error(err))
		return nil, err
	}

	for i := range results {
		metrics.StateUpdates.WithLabelValues("batch", "ok").Inc()
		m.recordSuccess(ctx, "batch", &results[i])
	}
	return results, nil
}

func (m *Manager) apply(ctx context.Context, op, cycleID string, update models.CycleUpdate, opts models.UpdateOptions) (*models.UpdateResult, error) {
	if update.IsEmpty() {
		return nil, models.NewValidationError(op+" update", "update sets no field")
	}
	m.attachToIntent(ctx, cycleID, update)
	res, err := m.store.AtomicUpdate(ctx, cycleID, update, opts)
	if err != nil {
		m.recordFailure(ctx, op, cycleID, update, err)
		return nil, err
	}
	metrics.StateUpdates.WithLabelValues(op, "ok").Inc()
	m.recordSuccess(ctx, op, res)
	return res, nil
}

func (m *Manager) recordSuccess(ctx context.Context, op string, res *models.UpdateResult) {
	event := models.NewAuditEvent(res.Current.ID, models.EventStateUpdated, models.SeverityInfo, map[string]interface{}{
		"op":      op,
		"version": res.Current.Version,
	})
	event.Before = res.Previous
	event.After = res.Current
	m.appendAudit(ctx, event)

	m.logger.Debug("State updated",
		zap.String("cycle_id", res.Current.ID),
		zap.String("op", op),
		zap.Int64("version", res.Current.Version),
		zap.String("status", string(res.Current.Status)))
}

func (m *Manager) recordFailure(ctx context.Context, op, cycleID string, update models.CycleUpdate, err error) {
	eventType, severity, result := models.EventStateUpdateFailed, models.SeverityError, "failed"
	switch {
	case errors.Is(err, models.ErrVersionConflict):
		eventType, severity, result = models.EventVersionConflict, models.SeverityWarning, "conflict"
	case models.IsValidation(err):
		eventType, result = models.EventStateRollback, "rollback"
	}
	metrics.StateUpdates.WithLabelValues(op, result).Inc()

	event := models.NewAuditEvent(cycleID, eventType, severity, map[string]interface{}{
		"op":        op,
		"error":     err.Error(),
		"transient": models.IsTransient(err),
	})
	if current, loadErr := m.store.LoadCycle(ctx, cycleID); loadErr == nil {
		event.Before = current
		proposed := current.Clone()
		update.ApplyTo(proposed)
		event.After = proposed
	}
	m.appendAudit(ctx, event)

	m.logger.Warn("State update failed",
		zap.String("cycle_id", cycleID),
		zap.String("op", op),
		zap.String("event", eventType),
		zap.Error(err))
}

// appendAudit never fails the caller; a lost audit entry is logged.
func (m *Manager) appendAudit(ctx context.Context, event models.AuditEvent) {
	if err := m.store.AppendAudit(ctx, event); err != nil {
		m.logger.Error("Failed to append audit event",
			zap.String("cycle_id", event.CycleID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}
