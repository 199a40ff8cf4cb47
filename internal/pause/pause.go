// Package pause implements the safety halt of a cycle. Pausing always takes effect in
// memory first; persistence, alerting and auditing are best-effort afterwards.
package pause

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"binance-cycle-bot-go/internal/alert"
	"binance-cycle-bot-go/internal/calculator"
	"binance-cycle-bot-go/internal/metrics"
	"binance-cycle-bot-go/internal/models"
	"binance-cycle-bot-go/internal/persistence"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// StateSource is the view of the cycle state manager the mechanism needs.
type StateSource interface {
	GetCurrentState() *models.CycleState
	SetState(state *models.CycleState)
	MarkPaused()
	Violations(state *models.CycleState) []string
}

// StateWriter persists status transitions.
type StateWriter interface {
	UpdateStateAtomic(ctx context.Context, cycleID string, update models.CycleUpdate, expectedVersion *int64) (*models.UpdateResult, error)
}

// Store persists pause records and audit events.
type Store interface {
	persistence.PauseStore
	persistence.AuditLog
}

// BalanceProvider returns a fresh spot balance snapshot.
type BalanceProvider interface {
	Balances(ctx context.Context) (models.Balances, error)
}

// ConnectivityChecker reports whether the exchange is reachable.
type ConnectivityChecker interface {
	CheckConnectivity(ctx context.Context) bool
}

// Deps are the collaborators of a Mechanism.
type Deps struct {
	CycleID  string
	State    StateSource
	Writer   StateWriter
	Store    Store
	Alerts   alert.Sender
	Drift    *calculator.DriftDetector
	Balances BalanceProvider
	Exchange ConnectivityChecker
	Logger   *zap.Logger
}

// PauseState is a snapshot of the halt.
type PauseState struct {
	Paused     bool
	Reason     models.PauseReason
	PausedAt   time.Time
	Metadata   map[string]interface{}
	ErrorCount int
	LastError  string
}

// PauseContext describes the error being reported. An empty Reason is derived from the error.
type PauseContext struct {
	Reason    models.PauseReason
	Operation string
	Metadata  map[string]interface{}
}

// PauseResult is returned by every pause entry point.
type PauseResult struct {
	Paused        bool
	AlreadyPaused bool
	Reason        models.PauseReason
	AlertSent     bool
	// Errors lists best-effort steps that failed; the pause itself still took effect.
	Errors []string
}

// DriftCheckResult is returned by CheckDriftAndPause.
type DriftCheckResult struct {
	Report models.DriftReport
	Pause  *PauseResult
}

// Resume failure reasons.
const (
	ResumeNotPaused           = "not_paused"
	ResumeStateInvalid        = "state_invalid"
	ResumeBalanceUnavailable  = "balance_unavailable"
	ResumeDriftExceeded       = "drift_exceeded"
	ResumeExchangeUnreachable = "exchange_unreachable"
	ResumePersistFailed       = "persist_failed"
)

// ResumeResult is returned by ResumeStrategy.
type ResumeResult struct {
	Resumed bool
	Forced  bool
	Reason  string
	Err     error
}

// Mechanism owns the pause flag of one cycle.
type Mechanism struct {
	deps   Deps
	paused atomic.Bool
	mu     sync.Mutex
	state  PauseState
	now    func() time.Time
}

// NewMechanism creates a Mechanism in the ACTIVE state.
func NewMechanism(deps Deps) *Mechanism {
	if deps.Drift == nil {
		deps.Drift = calculator.NewDriftDetector(calculator.DefaultDriftThreshold)
	}
	return &Mechanism{deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

// IsPaused reports whether trading is halted.
func (m *Mechanism) IsPaused() bool {
	return m.paused.Load()
}

// State returns a copy of the current pause state.
func (m *Mechanism) State() PauseState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Paused = m.paused.Load()
	if m.state.Metadata != nil {
		s.Metadata = make(map[string]interface{}, len(m.state.Metadata))
		for k, v := range m.state.Metadata {
			s.Metadata[k] = v
		}
	}
	return s
}

// PauseOnError halts trading because of err. Only the first caller performs the
// transition and sends the alert; later callers get AlreadyPaused and their error
// is recorded.
func (m *Mechanism) PauseOnError(ctx context.Context, err error, pc PauseContext) PauseResult {
	reason := pc.Reason
	if reason == "" {
		reason = classify(err)
	}
	metadata := copyMetadata(pc.Metadata)
	if pc.Operation != "" {
		metadata["operation"] = pc.Operation
	}
	if err != nil {
		metadata["error"] = err.Error()
	}
	return m.pause(ctx, reason, metadata, err)
}

// Pause halts trading on operator request.
func (m *Mechanism) Pause(ctx context.Context, reason models.PauseReason, metadata map[string]interface{}) PauseResult {
	if reason == "" {
		reason = models.PauseManual
	}
	return m.pause(ctx, reason, copyMetadata(metadata), nil)
}

// CheckDriftAndPause compares tracked and observed balances and pauses with
// DRIFT_DETECTED when either asset is out of tolerance.
func (m *Mechanism) CheckDriftAndPause(ctx context.Context, balances models.Balances) DriftCheckResult {
	state := m.deps.State.GetCurrentState()
	if state == nil {
		return DriftCheckResult{}
	}
	report := m.deps.Drift.CheckDrift(balances, state)
	metrics.BalanceDrift.WithLabelValues("usdt").Set(report.USDT.DriftPercentage.InexactFloat64())
	metrics.BalanceDrift.WithLabelValues("btc").Set(report.BTC.DriftPercentage.InexactFloat64())

	result := DriftCheckResult{Report: report}
	if !report.Exceeded() || m.IsPaused() {
		return result
	}
	pr := m.pause(ctx, models.PauseDriftDetected, report.Metadata(), nil)
	result.Pause = &pr
	return result
}

func (m *Mechanism) pause(ctx context.Context, reason models.PauseReason, metadata map[string]interface{}, cause error) PauseResult {
	if !m.paused.CompareAndSwap(false, true) {
		m.mu.Lock()
		if cause != nil {
			m.state.ErrorCount++
			m.state.LastError = cause.Error()
		}
		current := m.state.Reason
		m.mu.Unlock()

		m.appendAudit(ctx, models.NewAuditEvent(m.deps.CycleID, models.EventPauseErrorRecorded, models.SeverityWarning, withReason(metadata, reason)))
		return PauseResult{Paused: true, AlreadyPaused: true, Reason: current}
	}

	pausedAt := m.now()
	// Observers may already have counted their errors; keep those.
	m.mu.Lock()
	m.state.Reason, m.state.PausedAt, m.state.Metadata = reason, pausedAt, metadata
	if cause != nil {
		m.state.ErrorCount++
		m.state.LastError = cause.Error()
	}
	m.mu.Unlock()

	m.deps.State.MarkPaused()
	metrics.Paused.Set(1)
	metrics.Pauses.WithLabelValues(string(reason)).Inc()
	m.deps.Logger.Error("STRATEGY PAUSED", zap.String("cycle_id", m.deps.CycleID), zap.String("reason", string(reason)), zap.Any("metadata", metadata))

	result := PauseResult{Paused: true, Reason: reason}
	fail := func(step string, err error) {
		m.deps.Logger.Error("Pause side effect failed", zap.String("step", step), zap.Error(err))
		result.Errors = append(result.Errors, step+": "+err.Error())
	}

	if err := m.deps.Store.SavePauseRecord(ctx, &models.PauseRecord{
		CycleID:  m.deps.CycleID,
		Reason:   reason,
		PausedAt: pausedAt,
		Metadata: metadata,
	}); err != nil {
		fail("save pause record", err)
	}

	var before, after *models.CycleState
	if res, err := m.deps.Writer.UpdateStateAtomic(ctx, m.deps.CycleID, models.CycleUpdate{Status: models.StatusPtr(models.StatusPaused)}, nil); err != nil {
		fail("persist paused status", err)
	} else {
		m.deps.State.SetState(res.Current)
		before, after = res.Previous, res.Current
	}

	if err := m.deps.Alerts.Send(ctx, alert.Alert{
		Severity:    models.SeverityCritical,
		Title:       "Strategy paused",
		Description: "Trading halted for cycle " + m.deps.CycleID + ": " + string(reason),
		Fields:      withReason(metadata, reason),
	}); err != nil {
		fail("send alert", err)
	} else {
		result.AlertSent = true
	}

	event := models.NewAuditEvent(m.deps.CycleID, models.EventStrategyPaused, models.SeverityCritical, withReason(metadata, reason))
	event.Before, event.After = before, after
	if err := m.deps.Store.AppendAudit(ctx, event); err != nil {
		fail("append audit", err)
	}
	return result
}

// ResumeStrategy lifts the halt. Without force the state must validate, both balances
// must be within the drift threshold and the exchange must answer; otherwise the
// strategy stays paused and the unmet condition is reported. With force the checks
// are skipped and a warning is audited.
func (m *Mechanism) ResumeStrategy(ctx context.Context, force bool) ResumeResult {
	if !m.IsPaused() {
		return ResumeResult{Reason: ResumeNotPaused, Err: models.ErrNotPaused}
	}

	if force {
		m.deps.Logger.Warn("Forcing resume without safety checks", zap.String("cycle_id", m.deps.CycleID))
		m.appendAudit(ctx, models.NewAuditEvent(m.deps.CycleID, models.EventStrategyForcedResume, models.SeverityWarning, map[string]interface{}{
			"previous_reason": string(m.State().Reason),
		}))
	} else if reason, err := m.checkResume(ctx); err != nil {
		return m.resumeFailed(ctx, reason, err)
	}

	// 即使仍有持仓也写 READY, 卖出触发只看 btc_accumulated
	res, err := m.deps.Writer.UpdateStateAtomic(ctx, m.deps.CycleID, models.CycleUpdate{Status: models.StatusPtr(models.StatusReady)}, nil)
	if err != nil {
		return m.resumeFailed(ctx, ResumePersistFailed, err)
	}
	m.deps.State.SetState(res.Current)

	if err := m.deps.Store.ClearPauseRecord(ctx, m.deps.CycleID); err != nil {
		m.deps.Logger.Error("Failed to clear pause record", zap.Error(err))
	}

	previous := m.State()
	m.mu.Lock()
	m.state = PauseState{}
	m.paused.Store(false)
	m.mu.Unlock()
	metrics.Paused.Set(0)

	fields := map[string]interface{}{
		"forced":          force,
		"previous_reason": string(previous.Reason),
		"paused_for":      m.now().Sub(previous.PausedAt).Round(time.Second).String(),
	}
	event := models.NewAuditEvent(m.deps.CycleID, models.EventStrategyResumed, models.SeverityInfo, fields)
	event.Before, event.After = res.Previous, res.Current
	m.appendAudit(ctx, event)
	m.sendAlert(ctx, alert.Alert{
		Severity:    models.SeverityInfo,
		Title:       "Strategy resumed",
		Description: "Trading resumed for cycle " + m.deps.CycleID,
		Fields:      fields,
	})
	m.deps.Logger.Info("STRATEGY RESUMED", zap.String("cycle_id", m.deps.CycleID), zap.Bool("forced", force))
	return ResumeResult{Resumed: true, Forced: force}
}

func (m *Mechanism) checkResume(ctx context.Context) (string, error) {
	state := m.deps.State.GetCurrentState()
	if violations := m.deps.State.Violations(state); len(violations) > 0 {
		return ResumeStateInvalid, models.NewValidationError("resume", violations...)
	}

	balances, err := m.deps.Balances.Balances(ctx)
	if err != nil {
		return ResumeBalanceUnavailable, err
	}
	if report := m.deps.Drift.CheckDrift(balances, state); report.Exceeded() {
		return ResumeDriftExceeded, errors.Errorf("balance drift still exceeded: usdt %s, btc %s",
			report.USDT.DriftPercentage, report.BTC.DriftPercentage)
	}

	if !m.deps.Exchange.CheckConnectivity(ctx) {
		return ResumeExchangeUnreachable, errors.New("exchange connectivity check failed")
	}
	return "", nil
}

func (m *Mechanism) resumeFailed(ctx context.Context, reason string, err error) ResumeResult {
	m.deps.Logger.Warn("Resume refused", zap.String("reason", reason), zap.Error(err))
	fields := map[string]interface{}{"reason": reason, "error": err.Error()}
	m.appendAudit(ctx, models.NewAuditEvent(m.deps.CycleID, models.EventResumeFailed, models.SeverityWarning, fields))
	m.sendAlert(ctx, alert.Alert{
		Severity:    models.SeverityWarning,
		Title:       "Resume failed",
		Description: "Cycle " + m.deps.CycleID + " stays paused: " + reason,
		Fields:      fields,
	})
	return ResumeResult{Reason: reason, Err: err}
}

// Restore reloads a persisted halt at startup. A cycle whose stored status is PAUSED
// without a pause record was quarantined on load and is paused as STATE_CORRUPTION.
func (m *Mechanism) Restore(ctx context.Context) error {
	record, err := m.deps.Store.LoadPauseRecord(ctx, m.deps.CycleID)
	if err != nil {
		return errors.Wrap(err, "load pause record")
	}
	if record == nil {
		state := m.deps.State.GetCurrentState()
		if state == nil || state.Status != models.StatusPaused {
			return nil
		}
		record = &models.PauseRecord{
			CycleID:  m.deps.CycleID,
			Reason:   models.PauseStateCorruption,
			PausedAt: m.now(),
			Metadata: map[string]interface{}{"violations": m.deps.State.Violations(state)},
		}
		if err := m.deps.Store.SavePauseRecord(ctx, record); err != nil {
			m.deps.Logger.Error("Failed to persist pause record for quarantined state", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.state = PauseState{Reason: record.Reason, PausedAt: record.PausedAt, Metadata: record.Metadata}
	m.paused.Store(true)
	m.mu.Unlock()
	m.deps.State.MarkPaused()
	metrics.Paused.Set(1)
	m.deps.Logger.Warn("Strategy is paused from a previous run",
		zap.String("cycle_id", m.deps.CycleID),
		zap.String("reason", string(record.Reason)),
		zap.Time("paused_at", record.PausedAt))
	return nil
}

func (m *Mechanism) sendAlert(ctx context.Context, a alert.Alert) {
	if err := m.deps.Alerts.Send(ctx, a); err != nil {
		m.deps.Logger.Error("Failed to send alert", zap.String("title", a.Title), zap.Error(err))
	}
}

func (m *Mechanism) appendAudit(ctx context.Context, event models.AuditEvent) {
	if err := m.deps.Store.AppendAudit(ctx, event); err != nil {
		m.deps.Logger.Error("Failed to append audit event", zap.String("event_type", event.EventType), zap.Error(err))
	}
}

// classify derives a pause reason from an error.
func classify(err error) models.PauseReason {
	var exchangeErr *models.ExchangeError
	switch {
	case errors.As(err, &exchangeErr):
		return models.PauseExchangeError
	case models.IsValidation(err):
		return models.PauseStateCorruption
	default:
		return models.PauseCriticalError
	}
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func withReason(metadata map[string]interface{}, reason models.PauseReason) map[string]interface{} {
	out := copyMetadata(metadata)
	out["reason"] = string(reason)
	return out
}
