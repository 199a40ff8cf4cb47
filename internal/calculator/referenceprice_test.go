package calculator

import (
	"testing"

	"binance-cycle-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCalculateReferencePriceWithFees verifies the weighted average including both fee assets.
func TestCalculateReferencePriceWithFees(t *testing.T) {
	purchases := []Purchase{
		{USDTSpent: dec("100"), BTCFilled: dec("0.002"), FillPrice: dec("50000"), FeeUSDT: dec("0.1"), FeeBTC: decimal.Zero},
		{USDTSpent: dec("100"), BTCFilled: dec("0.0025"), FillPrice: dec("40000"), FeeUSDT: decimal.Zero, FeeBTC: dec("0.0000025")},
	}

	price, err := CalculateReferencePrice(purchases)
	require.NoError(t, err)

	// cost = 100 + 0.1 + 100 + 0.0000025*40000 = 200.2
	// net  = 0.002 + 0.0025 - 0.0000025 = 0.0044975
	want := dec("200.2").Div(dec("0.0044975"))
	assert.True(t, want.Equal(price), "want %s, got %s", want, price)
	assertDecimal(t, "44513.62", RoundReferencePrice(price))
}

func TestCalculateReferencePriceErrors(t *testing.T) {
	_, err := CalculateReferencePrice(nil)
	assert.True(t, models.IsValidation(err))

	_, err = CalculateReferencePrice([]Purchase{{USDTSpent: dec("-1"), BTCFilled: dec("1"), FillPrice: dec("1")}})
	assert.True(t, models.IsValidation(err))

	// Fee equal to the fill leaves nothing to divide by.
	_, err = CalculateReferencePrice([]Purchase{{USDTSpent: dec("10"), BTCFilled: dec("0.001"), FillPrice: dec("10000"), FeeBTC: dec("0.001")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "btc_accum_net is zero")
}

// TestReferencePriceCalculatorIncremental verifies incremental accumulation and reset.
func TestReferencePriceCalculatorIncremental(t *testing.T) {
	calc := NewReferencePriceCalculator()

	_, err := calc.CurrentReferencePrice()
	assert.Error(t, err, "empty calculator has no reference price")

	require.NoError(t, calc.AddPurchase(Purchase{USDTSpent: dec("500"), BTCFilled: dec("0.01"), FillPrice: dec("50000")}))
	price, err := calc.CurrentReferencePrice()
	require.NoError(t, err)
	assertDecimal(t, "50000", price)

	require.NoError(t, calc.AddPurchase(Purchase{USDTSpent: dec("490"), BTCFilled: dec("0.01"), FillPrice: dec("49000")}))
	price, err = calc.CurrentReferencePrice()
	require.NoError(t, err)
	assertDecimal(t, "49500", price)
	assert.Equal(t, 2, calc.Purchases())
	assertDecimal(t, "990", calc.CostAccumUSDT())
	assertDecimal(t, "0.02", calc.BTCAccumNet())

	assert.Error(t, calc.AddPurchase(Purchase{USDTSpent: dec("1"), BTCFilled: dec("1"), FillPrice: dec("1"), FeeBTC: dec("-1")}))
	assert.Equal(t, 2, calc.Purchases(), "rejected purchase is not counted")

	calc.Reset()
	assert.True(t, calc.CostAccumUSDT().IsZero())
	assert.True(t, calc.BTCAccumNet().IsZero())

	resumed := ResumeReferencePriceCalculator(dec("990"), dec("0.02"))
	price, err = resumed.CurrentReferencePrice()
	require.NoError(t, err)
	assertDecimal(t, "49500", price)
}
