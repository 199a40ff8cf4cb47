package trigger

import (
	"binance-cycle-bot-go/internal/calculator"
	"binance-cycle-bot-go/internal/metrics"
	"binance-cycle-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SellValidations records which checks passed.
type SellValidations struct {
	StrategyActive    bool `json:"strategyActive"`
	PriceThresholdMet bool `json:"priceThresholdMet"`
	BalanceAvailable  bool `json:"balanceAvailable"`
	DriftCheck        bool `json:"driftCheck"`
	NotionalValid     bool `json:"notionalValid"`
}

// SellDecision is the read-only verdict of the sell trigger.
type SellDecision struct {
	ShouldSell  bool            `json:"shouldSell"`
	SellAmount  decimal.Decimal `json:"sellAmount"`
	Threshold   decimal.Decimal `json:"threshold"`
	Reason      string          `json:"reason,omitempty"`
	Validations SellValidations `json:"validations"`
}

// SellTriggerDetector decides whether the cycle's position should be liquidated.
// The proposed amount is always exactly btc_accumulated: base asset held outside
// the cycle is never sold.
type SellTriggerDetector struct {
	logger *zap.Logger
}

func NewSellTriggerDetector(logger *zap.Logger) *SellTriggerDetector {
	return &SellTriggerDetector{logger: logger}
}

// CheckSellTrigger evaluates, in order: strategy active, position held, reference price set,
// close >= reference*(1+rise), spot balance covers the position, BTC drift below threshold,
// and position notional above the exchange minimum.
func (d *SellTriggerDetector) CheckSellTrigger(state *models.CycleState, cfg models.TradingConfig, candle models.Candle, balances models.Balances) SellDecision {
	decision := d.evaluate(state, cfg, candle, balances)

	result := "rejected"
	if decision.ShouldSell {
		result = "triggered"
		d.logger.Info("SELL TRIGGERED",
			zap.String("cycle_id", state.ID),
			zap.String("price", candle.Close.String()),
			zap.String("reference_price", state.ReferencePrice.Decimal.String()),
			zap.String("threshold", decision.Threshold.String()),
			zap.String("amount", decision.SellAmount.String()),
		)
	} else {
		d.logger.Debug("sell trigger rejected", zap.String("reason", decision.Reason), zap.String("price", candle.Close.String()))
	}
	metrics.TriggerChecks.WithLabelValues("sell", result).Inc()
	return decision
}

func (d *SellTriggerDetector) evaluate(state *models.CycleState, cfg models.TradingConfig, candle models.Candle, balances models.Balances) SellDecision {
	var decision SellDecision
	if state == nil {
		decision.Reason = ReasonInvalidState
		return decision
	}

	if state.Status == models.StatusPaused {
		decision.Reason = ReasonStrategyPaused
		return decision
	}
	decision.Validations.StrategyActive = true

	if !state.BTCAccumulated.IsPositive() {
		decision.Reason = ReasonNoPosition
		return decision
	}

	if !state.ReferencePrice.Valid {
		decision.Reason = ReasonNoReferencePrice
		return decision
	}

	decision.Threshold = state.ReferencePrice.Decimal.Mul(decimal.NewFromInt(1).Add(cfg.RisePercentage))
	if candle.Close.LessThan(decision.Threshold) {
		decision.Reason = ReasonPriceBelowThreshold
		return decision
	}
	decision.Validations.PriceThresholdMet = true

	if balances.BaseSpot.LessThan(state.BTCAccumulated) {
		decision.Reason = ReasonInsufficientBalance
		return decision
	}
	decision.Validations.BalanceAvailable = true

	drift := calculator.NewDriftDetector(cfg.DriftThresholdPct).CheckBTCDrift(balances.BaseSpot, state.BTCAccumulated)
	if drift.Exceeded() {
		decision.Reason = ReasonDriftExceeded
		return decision
	}
	decision.Validations.DriftCheck = true

	notional := state.BTCAccumulated.Mul(candle.Close)
	if notional.LessThan(cfg.ExchangeMinNotional) {
		decision.Reason = ReasonNotionalBelowMinimum
		return decision
	}
	decision.Validations.NotionalValid = true

	decision.ShouldSell = true
	decision.SellAmount = state.BTCAccumulated
	return decision
}
