package updater

import (
	"context"
	"fmt"

	"binance-cycle-bot-go/internal/calculator"
	"binance-cycle-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// DustThreshold is the remaining base amount below which a cycle counts as fully sold.
var DustThreshold = decimal.New(1, -8)

// SellResult is the outcome of folding a sell fill into the cycle.
type SellResult struct {
	Update         *models.UpdateResult
	CycleCompleted bool
	NetReceived    decimal.Decimal
	RemainingBase  decimal.Decimal
	// Principal and Profit are only set when the cycle completed.
	Principal decimal.Decimal
	Profit    decimal.Decimal
}

// SellOrderStateUpdater applies sell fills to the cycle state.
type SellOrderStateUpdater struct {
	writer       StateWriter
	listener     Listener
	maxPurchases int
	dust         decimal.Decimal
}

func NewSellOrderStateUpdater(writer StateWriter, listener Listener, maxPurchases int) *SellOrderStateUpdater {
	if listener == nil {
		listener = Listeners{}
	}
	return &SellOrderStateUpdater{writer: writer, listener: listener, maxPurchases: maxPurchases, dust: DustThreshold}
}

// SetLotStep raises the completion threshold to the exchange's lot step. A remainder
// below one step can never be sold, so the cycle completes and the remainder stays
// in btc_accumulated to match the spot balance. Steps below DustThreshold are ignored.
func (u *SellOrderStateUpdater) SetLotStep(step decimal.Decimal) {
	if step.GreaterThan(DustThreshold) {
		u.dust = step
	}
}

// UpdateFromSellOrder settles a sell fill. When the remaining base drops below
// the completion threshold the cycle is reset to READY: the principal is always returned to
// capital in full and only a positive profit is added on top. Otherwise the
// position shrinks and the net proceeds are credited to capital.
func (u *SellOrderStateUpdater) UpdateFromSellOrder(ctx context.Context, state *models.CycleState, order models.OrderResult) (*SellResult, error) {
	if err := validateSell(state, order); err != nil {
		return nil, err
	}
	if u.maxPurchases <= 0 {
		return nil, models.NewValidationError("sell fill", "max purchases must be positive")
	}

	netReceived := order.CummulativeQuoteQty.Sub(order.FeeQuote)
	remaining := state.BTCAccumulated.Sub(order.ExecutedQty).Sub(order.FeeBase)
	result := &SellResult{NetReceived: netReceived, RemainingBase: remaining}

	var update models.CycleUpdate
	if remaining.LessThan(u.dust) {
		leftover := decimal.Zero
		if remaining.GreaterThanOrEqual(DustThreshold) {
			leftover = remaining
		}
		principal := state.ReferencePrice.Decimal.Mul(order.ExecutedQty)
		profit := decimal.Max(decimal.Zero, netReceived.Sub(principal))
		capital := state.CapitalAvailable.Add(principal).Add(profit)
		buyAmount := calculator.FloorToPrecision(capital.Div(decimal.NewFromInt(int64(u.maxPurchases))), calculator.BasePrecision)

		update = models.CycleUpdate{
			Status:             models.StatusPtr(models.StatusReady),
			CapitalAvailable:   models.DecimalPtr(capital),
			BTCAccumulated:     models.DecimalPtr(leftover),
			BTCAccumNet:        models.DecimalPtr(decimal.Zero),
			CostAccumUSDT:      models.DecimalPtr(decimal.Zero),
			PurchasesRemaining: models.IntPtr(u.maxPurchases),
			ReferencePrice:     models.NullDecimalPtr(state.ATHPrice),
			BuyAmount:          models.DecimalPtr(buyAmount),
		}
		result.CycleCompleted = true
		result.Principal = principal
		result.Profit = profit
		result.RemainingBase = leftover
	} else {
		update = models.CycleUpdate{
			Status:           models.StatusPtr(models.StatusHolding),
			BTCAccumulated:   models.DecimalPtr(remaining),
			CapitalAvailable: models.DecimalPtr(state.CapitalAvailable.Add(netReceived)),
		}
	}

	res, err := persist(ctx, u.writer, u.listener, state, models.Sell, order.OrderID, update)
	if err != nil {
		return nil, err
	}
	result.Update = res
	return result, nil
}

func validateSell(state *models.CycleState, order models.OrderResult) error {
	if state == nil {
		return models.NewValidationError("sell fill", "state is nil")
	}
	violations := validateFill(order)
	if !state.BTCAccumulated.IsPositive() {
		violations = append(violations, "btc_accumulated must be positive")
	}
	if order.ExecutedQty.GreaterThan(state.BTCAccumulated) {
		violations = append(violations, fmt.Sprintf("executedQty %s exceeds btc_accumulated %s",
			order.ExecutedQty, state.BTCAccumulated))
	}
	if !state.ReferencePrice.Valid {
		violations = append(violations, "reference_price is not set")
	}
	if len(violations) > 0 {
		return models.NewValidationError("sell fill", violations...)
	}
	return nil
}
