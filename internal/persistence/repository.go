package persistence

import (
	"context"

	"binance-cycle-bot-go/internal/models"
)

// CycleStore persists CycleState records and exposes the conditional-update primitive
// every state mutation goes through.
type CycleStore interface {
	// LoadCycle returns models.ErrNotFound when no record exists for id.
	LoadCycle(ctx context.Context, id string) (*models.CycleState, error)

	// InsertCycle creates a record. It returns models.ErrAlreadyExists if id is taken.
	InsertCycle(ctx context.Context, state *models.CycleState) error

	// AtomicUpdate applies a partial update in a single transaction and bumps the version.
	// A mismatching opts.ExpectedVersion fails with models.ErrVersionConflict.
	AtomicUpdate(ctx context.Context, id string, update models.CycleUpdate, opts models.UpdateOptions) (*models.UpdateResult, error)

	// BatchUpdate applies independent per-cycle updates all-or-nothing.
	BatchUpdate(ctx context.Context, items []models.BatchItem) ([]models.UpdateResult, error)
}

// PauseStore persists the pause record of a cycle.
type PauseStore interface {
	SavePauseRecord(ctx context.Context, record *models.PauseRecord) error

	// LoadPauseRecord returns (nil, nil) when the cycle is not paused.
	LoadPauseRecord(ctx context.Context, cycleID string) (*models.PauseRecord, error)

	ClearPauseRecord(ctx context.Context, cycleID string) error
}

// AuditLog is an append-only event trail.
type AuditLog interface {
	AppendAudit(ctx context.Context, event models.AuditEvent) error

	// ListAudit returns the events of a cycle in chronological order.
	ListAudit(ctx context.Context, cycleID string) ([]models.AuditEvent, error)
}

// IntentLog stores write-ahead intents.
type IntentLog interface {
	// SaveIntent inserts or overwrites an intent.
	SaveIntent(ctx context.Context, intent *models.WALIntent) error

	// ListIntents returns the intents of a cycle with the given status, oldest first.
	ListIntents(ctx context.Context, cycleID string, status models.IntentStatus) ([]*models.WALIntent, error)
}

// Repository is the full persistence surface of the bot.
// It abstracts the underlying storage mechanism (e.g., BadgerDB)
// from the rest of the application.
type Repository interface {
	CycleStore
	PauseStore
	AuditLog
	IntentLog

	// Close gracefully closes the connection to the database.
	Close() error
}
