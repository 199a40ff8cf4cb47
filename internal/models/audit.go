package models

import "time"

// PauseReason explains why trading was halted.
type PauseReason string

const (
	PauseDriftDetected   PauseReason = "DRIFT_DETECTED"
	PauseCriticalError   PauseReason = "CRITICAL_ERROR"
	PauseManual          PauseReason = "MANUAL_PAUSE"
	PauseStateCorruption PauseReason = "STATE_CORRUPTION"
	PauseExchangeError   PauseReason = "EXCHANGE_ERROR"
)

// PauseRecord is persisted separately from the cycle so a halt survives restarts.
type PauseRecord struct {
	CycleID  string                 `json:"cycle_id"`
	Reason   PauseReason            `json:"reason"`
	PausedAt time.Time              `json:"paused_at"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Severity of audit events and alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Audit event types.
const (
	EventCycleInitialized      = "CYCLE_INITIALIZED"
	EventStateCorruption       = "STATE_CORRUPTION_DETECTED"
	EventStateUpdated          = "STATE_UPDATED"
	EventStateUpdateFailed     = "STATE_UPDATE_FAILED"
	EventStateRollback         = "STATE_ROLLBACK"
	EventVersionConflict       = "VERSION_CONFLICT"
	EventStrategyPaused        = "STRATEGY_PAUSED"
	EventPauseErrorRecorded    = "PAUSE_ERROR_RECORDED"
	EventStrategyResumed       = "STRATEGY_RESUMED"
	EventStrategyForcedResume  = "STRATEGY_FORCED_RESUME"
	EventResumeFailed          = "RESUME_FAILED"
	EventIntentRecorded        = "WAL_INTENT_RECORDED"
	EventIntentCompleted       = "WAL_INTENT_COMPLETED"
	EventIntentReplayed        = "WAL_INTENT_REPLAYED"
	EventIntentAbandoned       = "WAL_INTENT_ABANDONED"
	EventIntentSideEffectError = "WAL_INTENT_SIDE_EFFECT_FAILED"
)

// AuditEvent is one append-only audit log entry.
type AuditEvent struct {
	ID        string                 `json:"id"`
	CycleID   string                 `json:"cycle_id"`
	EventType string                 `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Before    *CycleState            `json:"before,omitempty"`
	After     *CycleState            `json:"after,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewAuditEvent stamps an event with an ID and the current time.
func NewAuditEvent(cycleID, eventType string, severity Severity, metadata map[string]interface{}) AuditEvent {
	return AuditEvent{
		ID:        NewID("evt"),
		CycleID:   cycleID,
		EventType: eventType,
		Severity:  severity,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// IntentStatus is the lifecycle of a write-ahead intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentCompleted IntentStatus = "COMPLETED"
	IntentAbandoned IntentStatus = "ABANDONED"
)

// WALIntent records a planned state change before its side effect runs.
type WALIntent struct {
	ID        string                 `json:"id"`
	CycleID   string                 `json:"cycle_id"`
	Update    *CycleUpdate           `json:"update,omitempty"`
	Base      *CycleState            `json:"base,omitempty"` // 记录更新时的状态, 用于判断能否重放
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Status    IntentStatus           `json:"status"`
	Error     string                 `json:"error,omitempty"`
	Attempts  int                    `json:"attempts"` // 恢复时的重放次数
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}
