package trigger

import (
	"testing"

	"binance-cycle-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() models.TradingConfig {
	return models.TradingConfig{
		DropPercentage:      dec("0.02"),
		RisePercentage:      dec("0.03"),
		MinBuyUSDT:          dec("10"),
		ExchangeMinNotional: dec("5"),
		DriftThresholdPct:   dec("0.005"),
		MaxPurchases:        5,
	}
}

func readyState() *models.CycleState {
	return &models.CycleState{
		ID:                 "cycle-1",
		Status:             models.StatusReady,
		CapitalAvailable:   dec("1000"),
		PurchasesRemaining: 5,
		ReferencePrice:     decimal.NewNullDecimal(dec("50000")),
		BuyAmount:          dec("200"),
	}
}

func holdingState() *models.CycleState {
	return &models.CycleState{
		ID:                 "cycle-1",
		Status:             models.StatusHolding,
		CapitalAvailable:   dec("800"),
		BTCAccumulated:     dec("0.004"),
		BTCAccumNet:        dec("0.004"),
		CostAccumUSDT:      dec("200.2"),
		PurchasesRemaining: 4,
		ReferencePrice:     decimal.NewNullDecimal(dec("50000")),
		BuyAmount:          dec("200"),
	}
}

func candle(close string) models.Candle {
	return models.Candle{Close: dec(close)}
}

func TestBuyTriggerPriceThresholdIsInclusive(t *testing.T) {
	d := NewBuyTriggerDetector(zap.NewNop())
	balances := models.Balances{QuoteSpot: dec("1000")}

	decision := d.CheckBuyTrigger(readyState(), testConfig(), candle("49000"), balances)
	assert.True(t, decision.ShouldBuy)
	assert.True(t, decision.BuyAmount.Equal(dec("200")))
	assert.True(t, decision.Threshold.Equal(dec("49000")))
	assert.Equal(t, BuyValidations{
		StrategyActive:    true,
		PriceThresholdMet: true,
		CapitalAvailable:  true,
		DriftCheck:        true,
		AmountValid:       true,
	}, decision.Validations)

	decision = d.CheckBuyTrigger(readyState(), testConfig(), candle("49001"), balances)
	assert.False(t, decision.ShouldBuy)
	assert.Equal(t, ReasonPriceAboveThreshold, decision.Reason)
	assert.True(t, decision.Validations.StrategyActive)
	assert.False(t, decision.Validations.PriceThresholdMet)
}

func TestBuyTriggerRejections(t *testing.T) {
	balances := models.Balances{QuoteSpot: dec("1000")}

	tests := []struct {
		name     string
		mutate   func(s *models.CycleState, cfg *models.TradingConfig, b *models.Balances)
		expected string
	}{
		{
			name:     "paused strategy",
			mutate:   func(s *models.CycleState, _ *models.TradingConfig, _ *models.Balances) { s.Status = models.StatusPaused },
			expected: ReasonStrategyPaused,
		},
		{
			name:     "no purchases remaining",
			mutate:   func(s *models.CycleState, _ *models.TradingConfig, _ *models.Balances) { s.PurchasesRemaining = 0 },
			expected: ReasonNoPurchasesRemaining,
		},
		{
			name:     "reference price not set",
			mutate:   func(s *models.CycleState, _ *models.TradingConfig, _ *models.Balances) { s.ReferencePrice = decimal.NullDecimal{} },
			expected: ReasonNoReferencePrice,
		},
		{
			name: "capital below buy amount",
			mutate: func(s *models.CycleState, _ *models.TradingConfig, b *models.Balances) {
				s.CapitalAvailable = dec("150")
				b.QuoteSpot = dec("150")
			},
			expected: ReasonInsufficientCapital,
		},
		{
			name:     "usdt drift at threshold",
			mutate:   func(_ *models.CycleState, _ *models.TradingConfig, b *models.Balances) { b.QuoteSpot = dec("1005") },
			expected: ReasonDriftExceeded,
		},
		{
			name:     "amount below exchange minimum",
			mutate:   func(_ *models.CycleState, cfg *models.TradingConfig, _ *models.Balances) { cfg.ExchangeMinNotional = dec("250") },
			expected: ReasonAmountBelowMinimum,
		},
	}

	d := NewBuyTriggerDetector(zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, cfg, b := readyState(), testConfig(), balances
			tt.mutate(state, &cfg, &b)

			decision := d.CheckBuyTrigger(state, cfg, candle("48000"), b)
			assert.False(t, decision.ShouldBuy)
			assert.Equal(t, tt.expected, decision.Reason)
			assert.True(t, decision.BuyAmount.IsZero())
		})
	}
}

func TestBuyTriggerLastPurchaseUsesAllCapital(t *testing.T) {
	state := readyState()
	state.PurchasesRemaining = 1
	state.CapitalAvailable = dec("203.45")

	decision := NewBuyTriggerDetector(zap.NewNop()).CheckBuyTrigger(state, testConfig(), candle("49000"),
		models.Balances{QuoteSpot: dec("203.45")})
	assert.True(t, decision.ShouldBuy)
	assert.True(t, decision.BuyAmount.Equal(dec("203.45")))
}

func TestBuyTriggerDoesNotMutateState(t *testing.T) {
	state := readyState()
	before := *state
	NewBuyTriggerDetector(zap.NewNop()).CheckBuyTrigger(state, testConfig(), candle("49000"), models.Balances{QuoteSpot: dec("1000")})
	assert.Equal(t, before, *state)
}

func TestSellTriggerAlwaysSellsExactlyAccumulated(t *testing.T) {
	d := NewSellTriggerDetector(zap.NewNop())
	state := holdingState()

	// Extra base asset on the account belongs to someone else; within the drift
	// threshold it is tolerated but never sold.
	decision := d.CheckSellTrigger(state, testConfig(), candle("51500"), models.Balances{BaseSpot: dec("0.00401")})
	assert.True(t, decision.ShouldSell)
	assert.True(t, decision.SellAmount.Equal(state.BTCAccumulated))
	assert.True(t, decision.Threshold.Equal(dec("51500")))
	assert.Equal(t, SellValidations{
		StrategyActive:    true,
		PriceThresholdMet: true,
		BalanceAvailable:  true,
		DriftCheck:        true,
		NotionalValid:     true,
	}, decision.Validations)

	decision = d.CheckSellTrigger(state, testConfig(), candle("51499.99"), models.Balances{BaseSpot: dec("0.004")})
	assert.False(t, decision.ShouldSell)
	assert.Equal(t, ReasonPriceBelowThreshold, decision.Reason)
}

func TestSellTriggerRejections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(s *models.CycleState, cfg *models.TradingConfig, b *models.Balances)
		expected string
	}{
		{
			name:     "paused strategy",
			mutate:   func(s *models.CycleState, _ *models.TradingConfig, _ *models.Balances) { s.Status = models.StatusPaused },
			expected: ReasonStrategyPaused,
		},
		{
			name:     "no position",
			mutate:   func(s *models.CycleState, _ *models.TradingConfig, _ *models.Balances) { s.BTCAccumulated = decimal.Zero },
			expected: ReasonNoPosition,
		},
		{
			name:     "reference price not set",
			mutate:   func(s *models.CycleState, _ *models.TradingConfig, _ *models.Balances) { s.ReferencePrice = decimal.NullDecimal{} },
			expected: ReasonNoReferencePrice,
		},
		{
			name:     "spot balance below position",
			mutate:   func(_ *models.CycleState, _ *models.TradingConfig, b *models.Balances) { b.BaseSpot = dec("0.0039") },
			expected: ReasonInsufficientBalance,
		},
		{
			name:     "btc drift exceeded",
			mutate:   func(_ *models.CycleState, _ *models.TradingConfig, b *models.Balances) { b.BaseSpot = dec("0.005") },
			expected: ReasonDriftExceeded,
		},
		{
			name:     "notional below minimum",
			mutate:   func(_ *models.CycleState, cfg *models.TradingConfig, _ *models.Balances) { cfg.ExchangeMinNotional = dec("500") },
			expected: ReasonNotionalBelowMinimum,
		},
	}

	d := NewSellTriggerDetector(zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, cfg, b := holdingState(), testConfig(), models.Balances{BaseSpot: dec("0.004")}
			tt.mutate(state, &cfg, &b)

			decision := d.CheckSellTrigger(state, cfg, candle("52000"), b)
			assert.False(t, decision.ShouldSell)
			assert.Equal(t, tt.expected, decision.Reason)
			assert.True(t, decision.SellAmount.IsZero())
		})
	}
}
