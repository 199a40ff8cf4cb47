package calculator

import (
	"binance-cycle-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// DefaultDriftThreshold is 0.5%.
	DefaultDriftThreshold = decimal.RequireFromString("0.005")

	// The denominators never drop below these floors, so a zero expected
	// balance does not divide by zero.
	usdtEpsilon = decimal.NewFromInt(1)
	btcEpsilon  = decimal.New(1, -8)
)

// DriftDetector compares internally tracked balances with the balances reported by the exchange.
type DriftDetector struct {
	threshold decimal.Decimal
}

// NewDriftDetector returns a detector; a non-positive threshold falls back to DefaultDriftThreshold.
func NewDriftDetector(threshold decimal.Decimal) *DriftDetector {
	if !threshold.IsPositive() {
		threshold = DefaultDriftThreshold
	}
	return &DriftDetector{threshold: threshold}
}

// Threshold returns the configured relative tolerance.
func (d *DriftDetector) Threshold() decimal.Decimal {
	return d.threshold
}

// CheckUSDTDrift compares quote balances.
func (d *DriftDetector) CheckUSDTDrift(observed, expected decimal.Decimal) models.DriftResult {
	return d.check("USDT", observed, expected, usdtEpsilon)
}

// CheckBTCDrift compares base balances.
func (d *DriftDetector) CheckBTCDrift(observed, expected decimal.Decimal) models.DriftResult {
	return d.check("BTC", observed, expected, btcEpsilon)
}

// CheckDrift reconciles a balance snapshot against the cycle's tracked amounts.
func (d *DriftDetector) CheckDrift(balances models.Balances, state *models.CycleState) models.DriftReport {
	return models.DriftReport{
		USDT: d.CheckUSDTDrift(balances.QuoteSpot, state.CapitalAvailable),
		BTC:  d.CheckBTCDrift(balances.BaseSpot, state.BTCAccumulated),
	}
}

func (d *DriftDetector) check(asset string, observed, expected, epsilon decimal.Decimal) models.DriftResult {
	denominator := decimal.Max(expected, epsilon)
	drift := observed.Sub(expected).Abs().Div(denominator)

	status := models.DriftOK
	if drift.GreaterThanOrEqual(d.threshold) {
		status = models.DriftExceeded
	}

	return models.DriftResult{
		Asset:           asset,
		Expected:        expected,
		Observed:        observed,
		DriftPercentage: drift,
		Status:          status,
		Threshold:       d.threshold,
	}
}
