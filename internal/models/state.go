package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus is the lifecycle status of a trading cycle.
type CycleStatus string

const (
	StatusReady   CycleStatus = "READY"
	StatusHolding CycleStatus = "HOLDING"
	StatusPaused  CycleStatus = "PAUSED"
)

// Valid reports whether s is one of the known statuses.
func (s CycleStatus) Valid() bool {
	switch s {
	case StatusReady, StatusHolding, StatusPaused:
		return true
	}
	return false
}

// CycleState is the persisted record of one accumulate-then-liquidate round.
// It is reset in place when a cycle completes and is never deleted.
type CycleState struct {
	ID                 string              `json:"id"`
	Status             CycleStatus         `json:"status"`
	CapitalAvailable   decimal.Decimal     `json:"capital_available"`  // quote balance earmarked for buys
	BTCAccumulated     decimal.Decimal     `json:"btc_accumulated"`    // base asset held by this cycle
	BTCAccumNet        decimal.Decimal     `json:"btc_accum_net"`      // fee-adjusted base asset
	CostAccumUSDT      decimal.Decimal     `json:"cost_accum_usdt"`    // cost basis including fees
	PurchasesRemaining int                 `json:"purchases_remaining"`
	ReferencePrice     decimal.NullDecimal `json:"reference_price"`
	BuyAmount          decimal.Decimal     `json:"buy_amount"`
	ATHPrice           decimal.NullDecimal `json:"ath_price"`
	Version            int64               `json:"version"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Clone returns an independent copy of the state.
// decimal.Decimal values are immutable, so a value copy is a deep copy.
func (s *CycleState) Clone() *CycleState {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// CycleUpdate is a partial update of a CycleState. Nil fields are left untouched.
type CycleUpdate struct {
	Status             *CycleStatus         `json:"status,omitempty"`
	CapitalAvailable   *decimal.Decimal     `json:"capital_available,omitempty"`
	BTCAccumulated     *decimal.Decimal     `json:"btc_accumulated,omitempty"`
	BTCAccumNet        *decimal.Decimal     `json:"btc_accum_net,omitempty"`
	CostAccumUSDT      *decimal.Decimal     `json:"cost_accum_usdt,omitempty"`
	PurchasesRemaining *int                 `json:"purchases_remaining,omitempty"`
	ReferencePrice     *decimal.NullDecimal `json:"reference_price,omitempty"`
	BuyAmount          *decimal.Decimal     `json:"buy_amount,omitempty"`
	ATHPrice           *decimal.NullDecimal `json:"ath_price,omitempty"`
}

// ApplyTo writes every set field of u into s.
func (u CycleUpdate) ApplyTo(s *CycleState) {
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.CapitalAvailable != nil {
		s.CapitalAvailable = *u.CapitalAvailable
	}
	if u.BTCAccumulated != nil {
		s.BTCAccumulated = *u.BTCAccumulated
	}
	if u.BTCAccumNet != nil {
		s.BTCAccumNet = *u.BTCAccumNet
	}
	if u.CostAccumUSDT != nil {
		s.CostAccumUSDT = *u.CostAccumUSDT
	}
	if u.PurchasesRemaining != nil {
		s.PurchasesRemaining = *u.PurchasesRemaining
	}
	if u.ReferencePrice != nil {
		s.ReferencePrice = *u.ReferencePrice
	}
	if u.BuyAmount != nil {
		s.BuyAmount = *u.BuyAmount
	}
	if u.ATHPrice != nil {
		s.ATHPrice = *u.ATHPrice
	}
}

// UnmarshalJSON keeps an explicit null for the nullable prices. encoding/json turns a
// null into a nil pointer, which would read as "unchanged" instead of "clear".
func (u *CycleUpdate) UnmarshalJSON(data []byte) error {
	type plain CycleUpdate
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, field := range map[string]**decimal.NullDecimal{
		"reference_price": &p.ReferencePrice,
		"ath_price":       &p.ATHPrice,
	} {
		if v, ok := raw[key]; ok && *field == nil && bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			*field = &decimal.NullDecimal{}
		}
	}
	*u = CycleUpdate(p)
	return nil
}

// IsEmpty reports whether the update sets no field.
func (u CycleUpdate) IsEmpty() bool {
	return u == CycleUpdate{}
}

// StatusPtr, DecimalPtr, IntPtr and NullDecimalPtr are helpers for building CycleUpdate values.
func StatusPtr(s CycleStatus) *CycleStatus { return &s }

func DecimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func IntPtr(i int) *int { return &i }

func NullDecimalPtr(d decimal.NullDecimal) *decimal.NullDecimal { return &d }

// UpdateResult carries the snapshots on both sides of a committed update.
type UpdateResult struct {
	Previous *CycleState
	Current  *CycleState
}

// BatchItem is one entry of a multi-entity atomic update.
type BatchItem struct {
	CycleID         string
	Update          CycleUpdate
	ExpectedVersion *int64
}

// Isolation selects how strictly the store checks an update.
type Isolation int

const (
	IsolationDefault Isolation = iota
	// IsolationSerializable re-checks the non-negativity invariants on the merged record
	// inside the same transaction before committing.
	IsolationSerializable
)

// UpdateOptions are the knobs of a conditional update.
type UpdateOptions struct {
	ExpectedVersion *int64
	Isolation       Isolation
}

// VersionPtr is a helper for UpdateOptions.ExpectedVersion.
func VersionPtr(v int64) *int64 { return &v }
