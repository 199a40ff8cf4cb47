package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"binance-cycle-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

const (
	cyclePrefix  = "cycle/"
	pausePrefix  = "pause/"
	auditPrefix  = "audit/"
	intentPrefix = "wal/"
)

// BadgerRepository is the BadgerDB implementation of Repository.
// Values are JSON documents; badger's serializable transactions provide the
// conditional-update primitive.
type BadgerRepository struct {
	db  *badger.DB
	now func() time.Time
}

// Compile-time interface check.
var _ Repository = (*BadgerRepository)(nil)

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// For this use case, we can disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil
	return openBadger(opts)
}

// NewInMemoryBadgerRepository opens a repository that never touches disk.
func NewInMemoryBadgerRepository() (*BadgerRepository, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerRepository, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &models.FatalError{Op: "open badger", Err: err}
	}
	return &BadgerRepository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close gracefully closes the connection to the database.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}

func cycleKey(id string) []byte { return []byte(cyclePrefix + id) }

func pauseKey(cycleID string) []byte { return []byte(pausePrefix + cycleID) }

// Audit keys sort chronologically within a cycle.
func auditKey(e models.AuditEvent) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", auditPrefix, e.CycleID, e.CreatedAt.UnixNano(), e.ID))
}

func intentKey(cycleID, id string) []byte { return []byte(intentPrefix + cycleID + "/" + id) }

// classify maps badger errors onto the persistence error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, badger.ErrConflict):
		return &models.TransientError{Op: op, Err: err}
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrAlreadyExists),
		errors.Is(err, models.ErrVersionConflict),
		models.IsValidation(err),
		models.IsTransient(err),
		models.IsFatal(err):
		return err
	}
	return &models.FatalError{Op: op, Err: err}
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if len(val) == 0 {
			return errors.Errorf("value of %s is empty in database", key)
		}
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (r *BadgerRepository) loadCycleTxn(txn *badger.Txn, id string) (*models.CycleState, error) {
	var state models.CycleState
	if err := getJSON(txn, cycleKey(id), &state); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, errors.Wrapf(models.ErrNotFound, "cycle %s", id)
		}
		return nil, err
	}
	return &state, nil
}

// LoadCycle loads the cycle record by id.
func (r *BadgerRepository) LoadCycle(_ context.Context, id string) (*models.CycleState, error) {
	var state *models.CycleState
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		state, err = r.loadCycleTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, classify("load cycle", err)
	}
	return state, nil
}

// InsertCycle stores a brand-new cycle record.
func (r *BadgerRepository) InsertCycle(_ context.Context, state *models.CycleState) error {
	if state == nil || state.ID == "" {
		return models.NewValidationError("insert cycle", "state and id are required")
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(cycleKey(state.ID)); err == nil {
			return errors.Wrapf(models.ErrAlreadyExists, "cycle %s", state.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, cycleKey(state.ID), state)
	})
	return classify("insert cycle", err)
}

func (r *BadgerRepository) applyTxn(txn *badger.Txn, id string, update models.CycleUpdate, opts models.UpdateOptions) (*models.UpdateResult, error) {
	current, err := r.loadCycleTxn(txn, id)
	if err != nil {
		return nil, err
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != current.Version {
		return nil, errors.Wrapf(models.ErrVersionConflict, "cycle %s: expected version %d, found %d",
			id, *opts.ExpectedVersion, current.Version)
	}

	next := current.Clone()
	update.ApplyTo(next)
	next.Version = current.Version + 1
	next.UpdatedAt = r.now()

	if opts.Isolation == models.IsolationSerializable {
		var violations []string
		if next.CapitalAvailable.IsNegative() {
			violations = append(violations, "capital_available would become negative")
		}
		if next.PurchasesRemaining < 0 {
			violations = append(violations, "purchases_remaining would become negative")
		}
		if len(violations) > 0 {
			return nil, models.NewValidationError("serializable update", violations...)
		}
	}

	if err := setJSON(txn, cycleKey(id), next); err != nil {
		return nil, err
	}
	return &models.UpdateResult{Previous: current, Current: next}, nil
}

// AtomicUpdate applies a partial update under optimistic version control.
func (r *BadgerRepository) AtomicUpdate(_ context.Context, id string, update models.CycleUpdate, opts models.UpdateOptions) (*models.UpdateResult, error) {
	var result *models.UpdateResult
	err := r.db.Update(func(txn *badger.Txn) error {
		var err error
		result, err = r.applyTxn(txn, id, update, opts)
		return err
	})
	if err != nil {
		return nil, classify("atomic update", err)
	}
	return result, nil
}

// BatchUpdate commits all items in one transaction or none of them.
func (r *BadgerRepository) BatchUpdate(_ context.Context, items []models.BatchItem) ([]models.UpdateResult, error) {
	results := make([]models.UpdateResult, 0, len(items))
	err := r.db.Update(func(txn *badger.Txn) error {
		for _, item := range items {
			res, err := r.applyTxn(txn, item.CycleID, item.Update, models.UpdateOptions{ExpectedVersion: item.ExpectedVersion})
			if err != nil {
				return errors.Wrapf(err, "batch item %s", item.CycleID)
			}
			results = append(results, *res)
		}
		return nil
	})
	if err != nil {
		return nil, classify("batch update", err)
	}
	return results, nil
}

// SavePauseRecord stores or replaces the pause record of a cycle.
func (r *BadgerRepository) SavePauseRecord(_ context.Context, record *models.PauseRecord) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, pauseKey(record.CycleID), record)
	})
	return classify("save pause record", err)
}

// LoadPauseRecord loads the pause record of a cycle.
// If the key is not found, it returns (nil, nil) to indicate the cycle is not paused.
func (r *BadgerRepository) LoadPauseRecord(_ context.Context, cycleID string) (*models.PauseRecord, error) {
	var record models.PauseRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, pauseKey(cycleID), &record)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load pause record", err)
	}
	return &record, nil
}

// ClearPauseRecord removes the pause record; clearing a missing record is not an error.
func (r *BadgerRepository) ClearPauseRecord(_ context.Context, cycleID string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pauseKey(cycleID))
	})
	return classify("clear pause record", err)
}

// AppendAudit writes an event under a new key; existing events are never rewritten.
func (r *BadgerRepository) AppendAudit(_ context.Context, event models.AuditEvent) error {
	if event.ID == "" {
		event.ID = models.NewID("evt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now()
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, auditKey(event), event)
	})
	return classify("append audit", err)
}

// ListAudit returns the audit trail of a cycle, oldest first.
func (r *BadgerRepository) ListAudit(_ context.Context, cycleID string) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	prefix := []byte(auditPrefix + cycleID + "/")
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var event models.AuditEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			}); err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list audit", err)
	}
	return events, nil
}

// SaveIntent upserts a write-ahead intent.
func (r *BadgerRepository) SaveIntent(_ context.Context, intent *models.WALIntent) error {
	if intent == nil || intent.ID == "" || intent.CycleID == "" {
		return models.NewValidationError("save intent", "intent, id and cycle id are required")
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, intentKey(intent.CycleID, intent.ID), intent)
	})
	return classify("save intent", err)
}

// ListIntents returns the intents of a cycle in the given status ordered by creation time.
func (r *BadgerRepository) ListIntents(_ context.Context, cycleID string, status models.IntentStatus) ([]*models.WALIntent, error) {
	var intents []*models.WALIntent
	prefix := []byte(intentPrefix + cycleID + "/")
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var intent models.WALIntent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &intent)
			}); err != nil {
				return err
			}
			if status == "" || intent.Status == status {
				intents = append(intents, &intent)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("list intents", err)
	}
	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
	return intents, nil
}
