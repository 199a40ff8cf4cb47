package calculator

import (
	"fmt"

	"binance-cycle-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// BasePrecision is the number of decimals kept for base-asset and sizing amounts.
const BasePrecision int32 = 8

// FloorToPrecision truncates x toward negative infinity at the given number of decimals,
// so negative inputs move further from zero.
func FloorToPrecision(x decimal.Decimal, places int32) decimal.Decimal {
	return x.RoundFloor(places)
}

// InitialBuyAmount splits the cycle capital into maxPurchases equal tranches.
func InitialBuyAmount(capital decimal.Decimal, maxPurchases int, minBuy decimal.Decimal) (decimal.Decimal, error) {
	const op = "initial buy amount"
	if capital.IsNegative() {
		return decimal.Zero, models.NewValidationError(op, fmt.Sprintf("capital must be non-negative, got %s", capital))
	}
	if minBuy.IsNegative() {
		return decimal.Zero, models.NewValidationError(op, fmt.Sprintf("min buy must be non-negative, got %s", minBuy))
	}
	if maxPurchases <= 0 {
		return decimal.Zero, models.NewValidationError(op, fmt.Sprintf("max purchases must be positive, got %d", maxPurchases))
	}

	amount := FloorToPrecision(capital.Div(decimal.NewFromInt(int64(maxPurchases))), BasePrecision)
	if amount.LessThan(minBuy) {
		return decimal.Zero, models.NewValidationError(op,
			fmt.Sprintf("buy amount %s is below minimum %s (capital %s / %d purchases)", amount, minBuy, capital, maxPurchases))
	}
	return amount, nil
}

// PurchaseAmount returns the quote amount of the next purchase.
// The last purchase spends the whole remaining capital, absorbing rounding residue.
func PurchaseAmount(state *models.CycleState) (decimal.Decimal, error) {
	const op = "purchase amount"
	if state == nil {
		return decimal.Zero, models.NewValidationError(op, "state is nil")
	}
	if !state.BuyAmount.IsPositive() {
		return decimal.Zero, models.NewValidationError(op, "buy amount is not initialized")
	}
	if state.PurchasesRemaining < 0 {
		return decimal.Zero, models.NewValidationError(op, fmt.Sprintf("purchases remaining is negative: %d", state.PurchasesRemaining))
	}
	if state.CapitalAvailable.IsNegative() {
		return decimal.Zero, models.NewValidationError(op, fmt.Sprintf("capital available is negative: %s", state.CapitalAvailable))
	}
	if state.PurchasesRemaining == 0 {
		return decimal.Zero, models.NewValidationError(op, "no purchases remaining")
	}

	if state.PurchasesRemaining == 1 {
		return state.CapitalAvailable, nil
	}
	return state.BuyAmount, nil
}

// IsAmountValid checks an order amount against both the strategy and the exchange minimums.
func IsAmountValid(amount, minBuy, exchangeMinNotional decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(decimal.Max(minBuy, exchangeMinNotional))
}
