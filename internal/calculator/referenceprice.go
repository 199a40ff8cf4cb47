package calculator

import (
	"fmt"

	"binance-cycle-bot-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ReferencePricePrecision is the number of decimals kept on the stored reference price.
const ReferencePricePrecision int32 = 2

// Purchase is one filled buy as seen by the cost-basis calculation.
type Purchase struct {
	USDTSpent decimal.Decimal
	BTCFilled decimal.Decimal
	FillPrice decimal.Decimal
	FeeUSDT   decimal.Decimal
	FeeBTC    decimal.Decimal
}

func (p Purchase) validate() error {
	fields := []struct {
		name  string
		value decimal.Decimal
	}{
		{"usdt_spent", p.USDTSpent},
		{"btc_filled", p.BTCFilled},
		{"fill_price", p.FillPrice},
		{"fee_usdt", p.FeeUSDT},
		{"fee_btc", p.FeeBTC},
	}
	var violations []string
	for _, f := range fields {
		if f.value.IsNegative() {
			violations = append(violations, fmt.Sprintf("%s must be non-negative, got %s", f.name, f.value))
		}
	}
	if len(violations) > 0 {
		return models.NewValidationError("reference price purchase", violations...)
	}
	return nil
}

// ReferencePriceCalculator keeps the running cost basis of a cycle.
// Fees paid in BTC are valued at the fill price and added to the cost.
type ReferencePriceCalculator struct {
	costAccumUSDT decimal.Decimal
	btcAccumNet   decimal.Decimal
	purchases     int
}

// NewReferencePriceCalculator starts from empty accumulators.
func NewReferencePriceCalculator() *ReferencePriceCalculator {
	return &ReferencePriceCalculator{}
}

// ResumeReferencePriceCalculator continues from persisted accumulators.
func ResumeReferencePriceCalculator(costAccumUSDT, btcAccumNet decimal.Decimal) *ReferencePriceCalculator {
	return &ReferencePriceCalculator{costAccumUSDT: costAccumUSDT, btcAccumNet: btcAccumNet}
}

// AddPurchase folds one fill into the accumulators.
func (c *ReferencePriceCalculator) AddPurchase(p Purchase) error {
	if err := p.validate(); err != nil {
		return err
	}
	c.costAccumUSDT = c.costAccumUSDT.Add(p.USDTSpent).Add(p.FeeUSDT).Add(p.FeeBTC.Mul(p.FillPrice))
	c.btcAccumNet = c.btcAccumNet.Add(p.BTCFilled).Sub(p.FeeBTC)
	c.purchases++
	return nil
}

// CurrentReferencePrice returns cost_accum_usdt / btc_accum_net, unrounded.
func (c *ReferencePriceCalculator) CurrentReferencePrice() (decimal.Decimal, error) {
	return ReferencePrice(c.costAccumUSDT, c.btcAccumNet)
}

// Reset clears the accumulators for a new cycle.
func (c *ReferencePriceCalculator) Reset() {
	c.costAccumUSDT = decimal.Zero
	c.btcAccumNet = decimal.Zero
	c.purchases = 0
}

func (c *ReferencePriceCalculator) CostAccumUSDT() decimal.Decimal { return c.costAccumUSDT }

func (c *ReferencePriceCalculator) BTCAccumNet() decimal.Decimal { return c.btcAccumNet }

func (c *ReferencePriceCalculator) Purchases() int { return c.purchases }

// CalculateReferencePrice computes the weighted-average entry over a batch of purchases.
func CalculateReferencePrice(purchases []Purchase) (decimal.Decimal, error) {
	if len(purchases) == 0 {
		return decimal.Zero, models.NewValidationError("reference price", "no purchases")
	}
	calc := NewReferencePriceCalculator()
	for i, p := range purchases {
		if err := calc.AddPurchase(p); err != nil {
			return decimal.Zero, errors.Wrapf(err, "purchase %d", i)
		}
	}
	return calc.CurrentReferencePrice()
}

// ReferencePrice divides cost by net quantity. A zero quantity is an error, never NaN.
func ReferencePrice(costAccumUSDT, btcAccumNet decimal.Decimal) (decimal.Decimal, error) {
	if btcAccumNet.IsZero() {
		return decimal.Zero, models.NewValidationError("reference price", "btc_accum_net is zero")
	}
	if btcAccumNet.IsNegative() {
		return decimal.Zero, models.NewValidationError("reference price", fmt.Sprintf("btc_accum_net is negative: %s", btcAccumNet))
	}
	return costAccumUSDT.Div(btcAccumNet), nil
}

// RoundReferencePrice rounds half away from zero to ReferencePricePrecision decimals.
func RoundReferencePrice(price decimal.Decimal) decimal.Decimal {
	return price.Round(ReferencePricePrecision)
}
