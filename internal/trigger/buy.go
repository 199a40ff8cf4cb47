package trigger

import (
	"binance-cycle-bot-go/internal/calculator"
	"binance-cycle-bot-go/internal/metrics"
	"binance-cycle-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rejection reasons. Checks run in the order listed and stop at the first failure.
const (
	ReasonStrategyPaused       = "strategy_paused"
	ReasonNoPurchasesRemaining = "no_purchases_remaining"
	ReasonNoReferencePrice     = "reference_price_not_set"
	ReasonPriceAboveThreshold  = "price_above_buy_threshold"
	ReasonInsufficientCapital  = "insufficient_capital"
	ReasonDriftExceeded        = "balance_drift_exceeded"
	ReasonAmountBelowMinimum   = "amount_below_minimum"
	ReasonNoPosition           = "no_btc_accumulated"
	ReasonPriceBelowThreshold  = "price_below_sell_threshold"
	ReasonInsufficientBalance  = "insufficient_btc_balance"
	ReasonNotionalBelowMinimum = "notional_below_minimum"
	ReasonInvalidState         = "invalid_state"
)

// BuyValidations records which checks passed.
type BuyValidations struct {
	StrategyActive    bool `json:"strategyActive"`
	PriceThresholdMet bool `json:"priceThresholdMet"`
	CapitalAvailable  bool `json:"capitalAvailable"`
	DriftCheck        bool `json:"driftCheck"`
	AmountValid       bool `json:"amountValid"`
}

// BuyDecision is the read-only verdict of the buy trigger.
type BuyDecision struct {
	ShouldBuy   bool            `json:"shouldBuy"`
	BuyAmount   decimal.Decimal `json:"buyAmount"`
	Threshold   decimal.Decimal `json:"threshold"`
	Reason      string          `json:"reason,omitempty"`
	Validations BuyValidations  `json:"validations"`
}

// BuyTriggerDetector decides whether the next tranche should be bought. It never mutates state.
type BuyTriggerDetector struct {
	logger *zap.Logger
}

func NewBuyTriggerDetector(logger *zap.Logger) *BuyTriggerDetector {
	return &BuyTriggerDetector{logger: logger}
}

// CheckBuyTrigger evaluates, in order: strategy active, purchases remaining, reference price set,
// close <= reference*(1-drop), capital covers the purchase, USDT drift below threshold,
// and amount above the strategy and exchange minimums.
func (d *BuyTriggerDetector) CheckBuyTrigger(state *models.CycleState, cfg models.TradingConfig, candle models.Candle, balances models.Balances) BuyDecision {
	decision := d.evaluate(state, cfg, candle, balances)

	result := "rejected"
	if decision.ShouldBuy {
		result = "triggered"
		d.logger.Info("BUY TRIGGERED",
			zap.String("cycle_id", state.ID),
			zap.String("price", candle.Close.String()),
			zap.String("reference_price", state.ReferencePrice.Decimal.String()),
			zap.String("threshold", decision.Threshold.String()),
			zap.String("amount", decision.BuyAmount.String()),
			zap.Int("purchases_remaining", state.PurchasesRemaining),
		)
	} else {
		d.logger.Debug("buy trigger rejected", zap.String("reason", decision.Reason), zap.String("price", candle.Close.String()))
	}
	metrics.TriggerChecks.WithLabelValues("buy", result).Inc()
	return decision
}

func (d *BuyTriggerDetector) evaluate(state *models.CycleState, cfg models.TradingConfig, candle models.Candle, balances models.Balances) BuyDecision {
	var decision BuyDecision
	if state == nil {
		decision.Reason = ReasonInvalidState
		return decision
	}

	if state.Status == models.StatusPaused {
		decision.Reason = ReasonStrategyPaused
		return decision
	}
	decision.Validations.StrategyActive = true

	if state.PurchasesRemaining <= 0 {
		decision.Reason = ReasonNoPurchasesRemaining
		return decision
	}

	if !state.ReferencePrice.Valid {
		decision.Reason = ReasonNoReferencePrice
		return decision
	}

	decision.Threshold = state.ReferencePrice.Decimal.Mul(decimal.NewFromInt(1).Sub(cfg.DropPercentage))
	if candle.Close.GreaterThan(decision.Threshold) {
		decision.Reason = ReasonPriceAboveThreshold
		return decision
	}
	decision.Validations.PriceThresholdMet = true

	amount, err := calculator.PurchaseAmount(state)
	if err != nil {
		decision.Reason = ReasonInvalidState
		return decision
	}
	if state.CapitalAvailable.LessThan(amount) {
		decision.Reason = ReasonInsufficientCapital
		return decision
	}
	decision.Validations.CapitalAvailable = true

	drift := calculator.NewDriftDetector(cfg.DriftThresholdPct).CheckUSDTDrift(balances.QuoteSpot, state.CapitalAvailable)
	if drift.Exceeded() {
		decision.Reason = ReasonDriftExceeded
		return decision
	}
	decision.Validations.DriftCheck = true

	if !calculator.IsAmountValid(amount, cfg.MinBuyUSDT, cfg.ExchangeMinNotional) {
		decision.Reason = ReasonAmountBelowMinimum
		return decision
	}
	decision.Validations.AmountValid = true

	decision.ShouldBuy = true
	decision.BuyAmount = amount
	return decision
}
