package calculator

import (
	"testing"

	"binance-cycle-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

// TestCheckUSDTDriftBoundary verifies that a drift equal to the threshold counts as exceeded.
func TestCheckUSDTDriftBoundary(t *testing.T) {
	d := NewDriftDetector(dec("0.005"))

	res := d.CheckUSDTDrift(dec("1005"), dec("1000"))
	assertDecimal(t, "0.005", res.DriftPercentage)
	assert.Equal(t, models.DriftExceeded, res.Status)
	assert.Equal(t, "USDT", res.Asset)

	res = d.CheckUSDTDrift(dec("1004.99"), dec("1000"))
	assert.Equal(t, models.DriftOK, res.Status)
	assertDecimal(t, "0.00499", res.DriftPercentage)
}

// TestCheckDriftEpsilonFloors verifies the denominators used when the tracked balance is zero.
func TestCheckDriftEpsilonFloors(t *testing.T) {
	d := NewDriftDetector(dec("0.005"))

	// 0.004 USDT of dust against an empty cycle: 0.004 / 1.
	usdt := d.CheckUSDTDrift(dec("0.004"), decimal.Zero)
	assertDecimal(t, "0.004", usdt.DriftPercentage)
	assert.Equal(t, models.DriftOK, usdt.Status)

	// One satoshi against an empty cycle is a 100% drift.
	btc := d.CheckBTCDrift(dec("0.00000001"), decimal.Zero)
	assertDecimal(t, "1", btc.DriftPercentage)
	assert.Equal(t, models.DriftExceeded, btc.Status)

	btc = d.CheckBTCDrift(decimal.Zero, decimal.Zero)
	assert.True(t, btc.DriftPercentage.IsZero())
	assert.Equal(t, models.DriftOK, btc.Status)
}

// TestCheckDriftReport verifies the combined report over a cycle state.
func TestCheckDriftReport(t *testing.T) {
	d := NewDriftDetector(decimal.Zero)
	assertDecimal(t, "0.005", d.Threshold(), "non-positive threshold falls back to default")

	state := &models.CycleState{CapitalAvailable: dec("1000"), BTCAccumulated: dec("0.5")}

	report := d.CheckDrift(models.Balances{QuoteSpot: dec("1000"), BaseSpot: dec("0.5")}, state)
	assert.False(t, report.Exceeded())

	report = d.CheckDrift(models.Balances{QuoteSpot: dec("1000"), BaseSpot: dec("0.49")}, state)
	assert.True(t, report.Exceeded())
	assert.True(t, report.BTC.Exceeded())
	assert.False(t, report.USDT.Exceeded())
	assert.Equal(t, "exceeded", report.Metadata()["btc_status"])
}
