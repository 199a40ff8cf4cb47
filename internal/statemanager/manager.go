package statemanager

import (
	"context"
	"sync"
	"time"

	"binance-cycle-bot-go/internal/calculator"
	"binance-cycle-bot-go/internal/models"
	"binance-cycle-bot-go/internal/persistence"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Settings are the parts of the configuration the state manager needs.
type Settings struct {
	CycleID        string
	InitialCapital decimal.Decimal
	MaxPurchases   int
	MinBuyUSDT     decimal.Decimal
	ATHPrice       decimal.NullDecimal
}

// SettingsFromConfig extracts Settings from the loaded configuration.
func SettingsFromConfig(cfg *models.Config) Settings {
	return Settings{
		CycleID:        cfg.CycleID,
		InitialCapital: cfg.InitialCapital,
		MaxPurchases:   cfg.MaxPurchases,
		MinBuyUSDT:     cfg.MinBuyUSDT,
		ATHPrice:       cfg.ATHPrice,
	}
}

// StateManager owns the in-memory copy of one cycle's state.
// Reads always return copies; the persisted record is only changed through
// the store's conditional update.
type StateManager struct {
	mu       sync.RWMutex
	state    *models.CycleState
	store    persistence.CycleStore
	audit    persistence.AuditLog
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

// NewStateManager creates a new StateManager.
func NewStateManager(settings Settings, store persistence.CycleStore, audit persistence.AuditLog, logger *zap.Logger) *StateManager {
	return &StateManager{
		store:    store,
		audit:    audit,
		settings: settings,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Initialize loads the cycle record, creating it on first start.
// A record that fails validation is forced to PAUSED and returned without error;
// callers must check the returned status. Persistence failures are returned as is.
func (sm *StateManager) Initialize(ctx context.Context) (*models.CycleState, error) {
	state, err := sm.store.LoadCycle(ctx, sm.settings.CycleID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return sm.create(ctx)
	case err != nil:
		return nil, errors.Wrap(err, "load cycle state")
	}

	violations := sm.Violations(state)
	if len(violations) == 0 {
		sm.SetState(state)
		sm.logger.Info("Cycle state loaded",
			zap.String("cycle_id", state.ID),
			zap.String("status", string(state.Status)),
			zap.Int64("version", state.Version))
		return state.Clone(), nil
	}
	return sm.quarantine(ctx, state, violations)
}

func (sm *StateManager) create(ctx context.Context) (*models.CycleState, error) {
	buyAmount, err := calculator.InitialBuyAmount(sm.settings.InitialCapital, sm.settings.MaxPurchases, sm.settings.MinBuyUSDT)
	if err != nil {
		return nil, errors.Wrap(err, "initialize cycle")
	}

	now := sm.now()
	state := &models.CycleState{
		ID:                 sm.settings.CycleID,
		Status:             models.StatusReady,
		CapitalAvailable:   sm.settings.InitialCapital,
		BTCAccumulated:     decimal.Zero,
		BTCAccumNet:        decimal.Zero,
		CostAccumUSDT:      decimal.Zero,
		PurchasesRemaining: sm.settings.MaxPurchases,
		BuyAmount:          buyAmount,
		ATHPrice:           sm.settings.ATHPrice,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := sm.store.InsertCycle(ctx, state); err != nil {
		return nil, errors.Wrap(err, "insert cycle state")
	}

	event := models.NewAuditEvent(state.ID, models.EventCycleInitialized, models.SeverityInfo, map[string]interface{}{
		"initial_capital": state.CapitalAvailable.String(),
		"max_purchases":   state.PurchasesRemaining,
		"buy_amount":      state.BuyAmount.String(),
	})
	event.After = state.Clone()
	sm.appendAudit(ctx, event)

	sm.SetState(state)
	sm.logger.Info("New cycle created",
		zap.String("cycle_id", state.ID),
		zap.String("capital", state.CapitalAvailable.String()),
		zap.String("buy_amount", state.BuyAmount.String()))
	return state.Clone(), nil
}

// quarantine forces a corrupt record into PAUSED. The record is never repaired.
func (sm *StateManager) quarantine(ctx context.Context, state *models.CycleState, violations []string) (*models.CycleState, error) {
	sm.logger.Error("Cycle state failed validation, forcing PAUSED",
		zap.String("cycle_id", state.ID),
		zap.Strings("violations", violations))

	res, err := sm.store.AtomicUpdate(ctx, state.ID, models.CycleUpdate{Status: models.StatusPtr(models.StatusPaused)},
		models.UpdateOptions{ExpectedVersion: models.VersionPtr(state.Version)})
	if err != nil {
		paused := state.Clone()
		paused.Status = models.StatusPaused
		sm.SetState(paused)
		return nil, errors.Wrap(err, "persist paused status for corrupt state")
	}

	event := models.NewAuditEvent(state.ID, models.EventStateCorruption, models.SeverityCritical, map[string]interface{}{
		"violations":      violations,
		"previous_status": string(state.Status),
	})
	event.Before = res.Previous
	event.After = res.Current
	sm.appendAudit(ctx, event)

	sm.SetState(res.Current)
	return res.Current.Clone(), nil
}

func (sm *StateManager) appendAudit(ctx context.Context, event models.AuditEvent) {
	if sm.audit == nil {
		return
	}
	if err := sm.audit.AppendAudit(ctx, event); err != nil {
		sm.logger.Warn("Failed to append audit event", zap.String("event_type", event.EventType), zap.Error(err))
	}
}

// GetCurrentState returns a copy of the current state, or nil before Initialize.
func (sm *StateManager) GetCurrentState() *models.CycleState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Clone()
}

// SetState replaces the in-memory state with a copy of state.
func (sm *StateManager) SetState(state *models.CycleState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state.Clone()
}

// Refresh reloads the state from the store.
func (sm *StateManager) Refresh(ctx context.Context) (*models.CycleState, error) {
	state, err := sm.store.LoadCycle(ctx, sm.settings.CycleID)
	if err != nil {
		return nil, errors.Wrap(err, "refresh cycle state")
	}
	sm.SetState(state)
	return state.Clone(), nil
}

// MarkPaused flips the in-memory status to PAUSED without touching the store.
func (sm *StateManager) MarkPaused() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != nil {
		sm.state.Status = models.StatusPaused
	}
}

// ValidateState reports whether state satisfies every invariant.
func (sm *StateManager) ValidateState(state *models.CycleState) bool {
	return len(sm.Violations(state)) == 0
}

// Violations lists the invariants state breaks.
func (sm *StateManager) Violations(state *models.CycleState) []string {
	if state == nil {
		return []string{"state is nil"}
	}
	var violations []string
	if state.CapitalAvailable.IsNegative() {
		violations = append(violations, "capital_available is negative")
	}
	if state.BTCAccumulated.IsNegative() {
		violations = append(violations, "btc_accumulated is negative")
	}
	if state.PurchasesRemaining < 0 || state.PurchasesRemaining > sm.settings.MaxPurchases {
		violations = append(violations, "purchases_remaining out of range")
	}
	if !state.Status.Valid() {
		violations = append(violations, "unknown status "+string(state.Status))
	}
	if state.Status == models.StatusHolding && !state.ReferencePrice.Valid {
		violations = append(violations, "reference_price is null while HOLDING")
	}
	if state.BuyAmount.LessThan(sm.settings.MinBuyUSDT) {
		violations = append(violations, "buy_amount below min_buy_usdt")
	}
	return violations
}
