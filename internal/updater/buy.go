package updater

import (
	"context"
	"fmt"

	"binance-cycle-bot-go/internal/calculator"
	"binance-cycle-bot-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// StateWriter is the conditional-update primitive the updaters persist through.
type StateWriter interface {
	UpdateStateAtomic(ctx context.Context, cycleID string, update models.CycleUpdate, expectedVersion *int64) (*models.UpdateResult, error)
}

// BuyResult is the outcome of folding a buy fill into the cycle.
type BuyResult struct {
	Update         *models.UpdateResult
	ReferencePrice decimal.Decimal
	NetBase        decimal.Decimal
}

// BuyOrderStateUpdater applies buy fills to the cycle state.
type BuyOrderStateUpdater struct {
	writer   StateWriter
	listener Listener
}

func NewBuyOrderStateUpdater(writer StateWriter, listener Listener) *BuyOrderStateUpdater {
	if listener == nil {
		listener = Listeners{}
	}
	return &BuyOrderStateUpdater{writer: writer, listener: listener}
}

// UpdateFromBuyOrder folds a filled buy into the accumulators, recomputes the reference
// price and moves the cycle to HOLDING. The write is conditional on state.Version.
func (u *BuyOrderStateUpdater) UpdateFromBuyOrder(ctx context.Context, state *models.CycleState, order models.OrderResult) (*BuyResult, error) {
	if err := validateBuy(state, order); err != nil {
		return nil, err
	}

	spent := order.CummulativeQuoteQty
	avgPrice := fillPrice(order)
	netBase := order.ExecutedQty.Sub(order.FeeBase)

	calc := calculator.ResumeReferencePriceCalculator(state.CostAccumUSDT, state.BTCAccumNet)
	if err := calc.AddPurchase(calculator.Purchase{
		USDTSpent: spent,
		BTCFilled: order.ExecutedQty,
		FillPrice: avgPrice,
		FeeUSDT:   order.FeeQuote,
		FeeBTC:    order.FeeBase,
	}); err != nil {
		return nil, errors.Wrap(err, "buy fill")
	}
	price, err := calc.CurrentReferencePrice()
	if err != nil {
		return nil, errors.Wrap(err, "buy fill")
	}
	price = calculator.RoundReferencePrice(price)

	update := models.CycleUpdate{
		Status:             models.StatusPtr(models.StatusHolding),
		CapitalAvailable:   models.DecimalPtr(state.CapitalAvailable.Sub(spent)),
		BTCAccumulated:     models.DecimalPtr(state.BTCAccumulated.Add(netBase)),
		BTCAccumNet:        models.DecimalPtr(calc.BTCAccumNet()),
		CostAccumUSDT:      models.DecimalPtr(calc.CostAccumUSDT()),
		PurchasesRemaining: models.IntPtr(state.PurchasesRemaining - 1),
		ReferencePrice:     models.NullDecimalPtr(decimal.NewNullDecimal(price)),
	}

	res, err := persist(ctx, u.writer, u.listener, state, models.Buy, order.OrderID, update)
	if err != nil {
		return nil, err
	}
	return &BuyResult{Update: res, ReferencePrice: price, NetBase: netBase}, nil
}

func validateBuy(state *models.CycleState, order models.OrderResult) error {
	if state == nil {
		return models.NewValidationError("buy fill", "state is nil")
	}
	var violations []string
	violations = append(violations, validateFill(order)...)
	if state.PurchasesRemaining <= 0 {
		violations = append(violations, "no purchases remaining")
	}
	if state.CapitalAvailable.LessThan(order.CummulativeQuoteQty) {
		violations = append(violations, fmt.Sprintf("capital_available %s is below usdt spent %s",
			state.CapitalAvailable, order.CummulativeQuoteQty))
	}
	if order.FeeBase.GreaterThanOrEqual(order.ExecutedQty) && order.ExecutedQty.IsPositive() {
		violations = append(violations, "base fee consumes the whole fill")
	}
	if len(violations) > 0 {
		return models.NewValidationError("buy fill", violations...)
	}
	return nil
}

// validateFill checks the fields common to both sides.
func validateFill(order models.OrderResult) []string {
	var violations []string
	if !order.Status.HasFill() {
		violations = append(violations, fmt.Sprintf("order status %s carries no fill", order.Status))
	}
	if !order.ExecutedQty.IsPositive() {
		violations = append(violations, "executedQty must be positive")
	}
	if !order.CummulativeQuoteQty.IsPositive() {
		violations = append(violations, "cummulativeQuoteQty must be positive")
	}
	if order.FeeBase.IsNegative() || order.FeeQuote.IsNegative() {
		violations = append(violations, "fees must be non-negative")
	}
	return violations
}

// fillPrice falls back to quote/base when the exchange did not report an average.
func fillPrice(order models.OrderResult) decimal.Decimal {
	if order.AvgPrice.IsPositive() {
		return order.AvgPrice
	}
	return order.CummulativeQuoteQty.Div(order.ExecutedQty)
}

func persist(ctx context.Context, writer StateWriter, listener Listener, state *models.CycleState, side models.Side, orderID string, update models.CycleUpdate) (*models.UpdateResult, error) {
	event := UpdateEvent{CycleID: state.ID, Side: side, OrderID: orderID}
	listener.OnStateUpdateStarted(event)

	res, err := writer.UpdateStateAtomic(ctx, state.ID, update, models.VersionPtr(state.Version))
	if err != nil {
		listener.OnStateUpdateFailed(event, err)
		return nil, errors.Wrapf(err, "persist %s fill of order %s", side, orderID)
	}
	listener.OnStateUpdateCompleted(event, res)
	return res, nil
}
