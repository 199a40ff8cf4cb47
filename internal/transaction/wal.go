package transaction

import (
	"context"

	"binance-cycle-bot-go/internal/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SideEffect is the external action guarded by a write-ahead intent, typically an order.
type SideEffect func(ctx context.Context) error

// WALResult describes a completed write-ahead execution.
type WALResult struct {
	IntentID string
	Update   *models.UpdateResult
}

type intentKey struct{}

// ExecuteWithWriteAheadLog records an intent before running sideEffect.
// If the intent cannot be persisted the side effect never runs. If the side effect
// fails the intent stays PENDING for RecoverIncompleteTransactions. A non-nil update
// is applied after the side effect succeeds; the intent is completed last.
//
// With a nil update, the first state update the side effect makes through this manager
// is written onto the intent together with the stored state it was based on, so a
// fill whose state change was not committed can be replayed after a restart.
func (m *Manager) ExecuteWithWriteAheadLog(ctx context.Context, cycleID string, update *models.CycleUpdate, sideEffect SideEffect, metadata map[string]interface{}) (*WALResult, error) {
	now := m.now()
	intent := &models.WALIntent{
		ID:        models.NewID("wal"),
		CycleID:   cycleID,
		Update:    update,
		Metadata:  metadata,
		Status:    models.IntentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveIntent(ctx, intent); err != nil {
		return nil, errors.Wrap(err, "record write-ahead intent")
	}
	m.appendAudit(ctx, models.NewAuditEvent(cycleID, models.EventIntentRecorded, models.SeverityInfo, map[string]interface{}{
		"intent_id": intent.ID,
		"metadata":  metadata,
	}))

	if err := sideEffect(context.WithValue(ctx, intentKey{}, intent)); err != nil {
		intent.Error = err.Error()
		intent.UpdatedAt = m.now()
		if saveErr := m.store.SaveIntent(ctx, intent); saveErr != nil {
			m.logger.Error("Failed to record side effect error on intent", zap.String("intent_id", intent.ID), zap.Error(saveErr))
		}
		m.appendAudit(ctx, models.NewAuditEvent(cycleID, models.EventIntentSideEffectError, models.SeverityError, map[string]interface{}{
			"intent_id": intent.ID,
			"error":     err.Error(),
		}))
		return nil, errors.Wrapf(err, "side effect of intent %s", intent.ID)
	}

	result := &WALResult{IntentID: intent.ID}
	if update != nil {
		res, err := m.UpdateStateWithRetry(ctx, cycleID, *update, RetryConfig{})
		if err != nil {
			return nil, errors.Wrapf(err, "apply state of intent %s", intent.ID)
		}
		result.Update = res
	}

	if err := m.finishIntent(ctx, intent, models.IntentCompleted, ""); err != nil {
		m.logger.Error("Failed to complete intent", zap.String("intent_id", intent.ID), zap.Error(err))
	}
	m.appendAudit(ctx, models.NewAuditEvent(cycleID, models.EventIntentCompleted, models.SeverityInfo, map[string]interface{}{
		"intent_id": intent.ID,
	}))
	return result, nil
}

// RecoveryReport lists what RecoverIncompleteTransactions did with each pending intent.
type RecoveryReport struct {
	Replayed  []string
	Abandoned []string
	// Settled intents had already been committed before the restart.
	Settled []string
}

type replayOutcome int

const (
	replayApplied replayOutcome = iota
	replayCommitted
	replaySuperseded
)

// RecoverIncompleteTransactions replays the pending intents of a cycle oldest first.
// Intents older than StaleAfter, and intents that carry no state update, are abandoned.
// Recovery stops at the first replay failure so later intents are not applied out of order.
func (m *Manager) RecoverIncompleteTransactions(ctx context.Context, cycleID string) (*RecoveryReport, error) {
	pending, err := m.store.ListIntents(ctx, cycleID, models.IntentPending)
	if err != nil {
		return nil, errors.Wrap(err, "list pending intents")
	}

	report := &RecoveryReport{}
	for _, intent := range pending {
		age := m.now().Sub(intent.CreatedAt)
		if age > m.opts.StaleAfter || intent.Update == nil {
			reason := "stale"
			if intent.Update == nil {
				reason = "no state update to replay"
			}
			if err := m.finishIntent(ctx, intent, models.IntentAbandoned, reason); err != nil {
				return report, err
			}
			m.appendAudit(ctx, models.NewAuditEvent(cycleID, models.EventIntentAbandoned, models.SeverityWarning, map[string]interface{}{
				"intent_id": intent.ID,
				"reason":    reason,
				"age":       age.String(),
				"metadata":  intent.Metadata,
			}))
			m.logger.Warn("Abandoned write-ahead intent", zap.String("intent_id", intent.ID), zap.String("reason", reason))
			report.Abandoned = append(report.Abandoned, intent.ID)
			continue
		}

		if intent.Base != nil {
			outcome, err := m.replayOnBase(ctx, intent)
			if err != nil {
				return report, err
			}
			switch outcome {
			case replayApplied:
				report.Replayed = append(report.Replayed, intent.ID)
			case replayCommitted:
				report.Settled = append(report.Settled, intent.ID)
			default:
				report.Abandoned = append(report.Abandoned, intent.ID)
			}
			continue
		}

		intent.Attempts++
		if _, err := m.UpdateStateWithRetry(ctx, cycleID, *intent.Update, RetryConfig{}); err != nil {
			intent.Error = err.Error()
			intent.UpdatedAt = m.now()
			if saveErr := m.store.SaveIntent(ctx, intent); saveErr != nil {
				m.logger.Error("Failed to record replay failure on intent", zap.String("intent_id", intent.ID), zap.Error(saveErr))
			}
			return report, errors.Wrapf(err, "replay intent %s", intent.ID)
		}
		if err := m.finishIntent(ctx, intent, models.IntentCompleted, ""); err != nil {
			return report, err
		}
		m.appendAudit(ctx, models.NewAuditEvent(cycleID, models.EventIntentReplayed, models.SeverityInfo, map[string]interface{}{
			"intent_id": intent.ID,
		}))
		m.logger.Info("Replayed write-ahead intent", zap.String("intent_id", intent.ID))
		report.Replayed = append(report.Replayed, intent.ID)
	}
	return report, nil
}

func (m *Manager) finishIntent(ctx context.Context, intent *models.WALIntent, status models.IntentStatus, reason string) error {
	intent.Status = status
	if reason != "" {
		intent.Error = reason
	}
	intent.UpdatedAt = m.now()
	return errors.Wrapf(m.store.SaveIntent(ctx, intent), "mark intent %s %s", intent.ID, status)
}

// attachToIntent records update on the pending intent carried by ctx, once.
// A failure to record is logged; the update itself still goes ahead because the
// side effect has already happened.
func (m *Manager) attachToIntent(ctx context.Context, cycleID string, update models.CycleUpdate) {
	intent, ok := ctx.Value(intentKey{}).(*models.WALIntent)
	if !ok || intent.Update != nil || intent.CycleID != cycleID {
		return
	}
	base, err := m.store.LoadCycle(ctx, cycleID)
	if err != nil {
		m.logger.Error("Failed to snapshot state for intent", zap.String("intent_id", intent.ID), zap.Error(err))
		return
	}
	recorded := update
	intent.Update = &recorded
	intent.Base = base
	intent.UpdatedAt = m.now()
	if err := m.store.SaveIntent(ctx, intent); err != nil {
		m.logger.Error("Failed to record state update on intent", zap.String("intent_id", intent.ID), zap.Error(err))
	}
}

// replayOnBase applies an intent recorded from a side effect. The update holds absolute
// values computed from intent.Base, so it is only replayed while the stored holdings
// still equal the base. Holdings that already match the update mean it was committed;
// anything else means the state moved on and the intent is abandoned. A PAUSED status
// is kept.
func (m *Manager) replayOnBase(ctx context.Context, intent *models.WALIntent) (replayOutcome, error) {
	current, err := m.store.LoadCycle(ctx, intent.CycleID)
	if err != nil {
		return replaySuperseded, errors.Wrapf(err, "load cycle for intent %s", intent.ID)
	}

	committed := current.Clone()
	intent.Update.ApplyTo(committed)
	switch {
	case sameHoldings(committed, current):
		return replayCommitted, m.closeIntent(ctx, intent, models.IntentCompleted, "already committed", models.SeverityInfo)
	case !sameHoldings(current, intent.Base):
		return replaySuperseded, m.closeIntent(ctx, intent, models.IntentAbandoned, "state changed since the intent was recorded", models.SeverityWarning)
	}

	update := *intent.Update
	if current.Status == models.StatusPaused {
		update.Status = nil
	}
	intent.Attempts++
	if _, err := m.apply(ctx, "replay", intent.CycleID, update, models.UpdateOptions{ExpectedVersion: models.VersionPtr(current.Version)}); err != nil {
		intent.Error = err.Error()
		intent.UpdatedAt = m.now()
		if saveErr := m.store.SaveIntent(ctx, intent); saveErr != nil {
			m.logger.Error("Failed to record replay failure on intent", zap.String("intent_id", intent.ID), zap.Error(saveErr))
		}
		return replaySuperseded, errors.Wrapf(err, "replay intent %s", intent.ID)
	}
	if err := m.finishIntent(ctx, intent, models.IntentCompleted, ""); err != nil {
		return replaySuperseded, err
	}
	m.appendAudit(ctx, models.NewAuditEvent(intent.CycleID, models.EventIntentReplayed, models.SeverityInfo, map[string]interface{}{
		"intent_id": intent.ID,
		"metadata":  intent.Metadata,
	}))
	m.logger.Info("Replayed write-ahead intent", zap.String("intent_id", intent.ID))
	return replayApplied, nil
}

func (m *Manager) closeIntent(ctx context.Context, intent *models.WALIntent, status models.IntentStatus, reason string, severity models.Severity) error {
	if err := m.finishIntent(ctx, intent, status, reason); err != nil {
		return err
	}
	eventType := models.EventIntentAbandoned
	if status == models.IntentCompleted {
		eventType = models.EventIntentCompleted
	}
	m.appendAudit(ctx, models.NewAuditEvent(intent.CycleID, eventType, severity, map[string]interface{}{
		"intent_id": intent.ID,
		"reason":    reason,
	}))
	m.logger.Warn("Closed write-ahead intent without replay", zap.String("intent_id", intent.ID), zap.String("reason", reason))
	return nil
}

// sameHoldings compares the accounting fields an order changes.
func sameHoldings(a, b *models.CycleState) bool {
	return a.CapitalAvailable.Equal(b.CapitalAvailable) &&
		a.BTCAccumulated.Equal(b.BTCAccumulated) &&
		a.BTCAccumNet.Equal(b.BTCAccumNet) &&
		a.CostAccumUSDT.Equal(b.CostAccumUSDT) &&
		a.PurchasesRemaining == b.PurchasesRemaining
}
