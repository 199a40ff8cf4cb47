package config

import (
	"os"
	"path/filepath"
	"testing"

	"binance-cycle-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"initial_capital": "1000",
		"max_purchases": 5,
		"min_buy_usdt": 10,
		"exchange_min_notional": "5",
		"drop_percentage": "0.02",
		"rise_percentage": "0.03",
		"ath_price": "109000"
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, "btcusdt-main", cfg.CycleID)
	assert.Equal(t, "0.005", cfg.DriftThresholdPct.String())
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, "10", cfg.MinBuyUSDT.String(), "numbers and strings both decode into decimals")
	assert.True(t, cfg.ATHPrice.Valid)
	assert.Equal(t, "109000", cfg.ATHPrice.Decimal.String())

	trading := cfg.TradingConfig()
	assert.Equal(t, 5, trading.MaxPurchases)
	assert.Equal(t, "0.02", trading.DropPercentage.String())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `{
		"initial_capital": "0",
		"max_purchases": 0,
		"drop_percentage": "1.5",
		"rise_percentage": "0.03"
	}`)

	_, err := LoadConfig(path)
	require.Error(t, err)

	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Violations, "initial_capital must be positive")
	assert.Contains(t, ve.Violations, "max_purchases must be positive")
	assert.Contains(t, ve.Violations, "drop_percentage must be in (0, 1)")
}

func TestLoadConfigRejectsSlashInCycleID(t *testing.T) {
	path := writeConfig(t, `{
		"cycle_id": "btc/main",
		"initial_capital": "1000",
		"max_purchases": 5,
		"drop_percentage": "0.02",
		"rise_percentage": "0.03"
	}`)

	_, err := LoadConfig(path)
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{`cycle_id must not contain '/': "btc/main"`}, ve.Violations)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `{"grid_spacing": 0.01}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
