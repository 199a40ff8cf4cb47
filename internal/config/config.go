package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"binance-cycle-bot-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	defaultLiveWSURL    = "wss://stream.binance.com:9443"
	defaultTestnetWSURL = "wss://testnet.binance.vision"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", path)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	cfg := &models.Config{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults 为未设置的可选字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.Symbol == "" {
		cfg.Symbol = "BTCUSDT"
	}
	if cfg.BaseAsset == "" {
		cfg.BaseAsset = "BTC"
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.CycleID == "" {
		cfg.CycleID = strings.ToLower(cfg.Symbol) + "-main"
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1m"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/cycle-db"
	}
	if cfg.LiveWSURL == "" {
		cfg.LiveWSURL = defaultLiveWSURL
	}
	if cfg.TestnetWSURL == "" {
		cfg.TestnetWSURL = defaultTestnetWSURL
	}
	if cfg.DriftThresholdPct.IsZero() {
		cfg.DriftThresholdPct = decimal.RequireFromString("0.005")
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitialDelayMs == 0 {
		cfg.RetryInitialDelayMs = 100
	}
	if cfg.WALStaleAfterSec == 0 {
		cfg.WALStaleAfterSec = 3600
	}
	if cfg.TakerFeeRate == "" {
		cfg.TakerFeeRate = "0.001"
	}
	if cfg.WebSocketPingIntervalSec == 0 {
		cfg.WebSocketPingIntervalSec = 54
	}
	if cfg.WebSocketPongTimeoutSec == 0 {
		cfg.WebSocketPongTimeoutSec = 60
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate 检查配置是否完整且取值合理
func Validate(cfg *models.Config) error {
	var violations []string

	// 存储键以 "/" 分隔周期 ID
	if strings.Contains(cfg.CycleID, "/") {
		violations = append(violations, fmt.Sprintf("cycle_id must not contain '/': %q", cfg.CycleID))
	}
	if !cfg.InitialCapital.IsPositive() {
		violations = append(violations, "initial_capital must be positive")
	}
	if cfg.MaxPurchases <= 0 {
		violations = append(violations, "max_purchases must be positive")
	}
	if cfg.MinBuyUSDT.IsNegative() {
		violations = append(violations, "min_buy_usdt must be non-negative")
	}
	if cfg.ExchangeMinNotional.IsNegative() {
		violations = append(violations, "exchange_min_notional must be non-negative")
	}
	if !between01(cfg.DropPercentage) {
		violations = append(violations, "drop_percentage must be in (0, 1)")
	}
	if !cfg.RisePercentage.IsPositive() {
		violations = append(violations, "rise_percentage must be positive")
	}
	if !between01(cfg.DriftThresholdPct) {
		violations = append(violations, "drift_threshold_pct must be in (0, 1)")
	}
	if cfg.ATHPrice.Valid && !cfg.ATHPrice.Decimal.IsPositive() {
		violations = append(violations, "ath_price must be positive when set")
	}
	if cfg.RetryAttempts < 0 || cfg.RetryInitialDelayMs < 0 {
		violations = append(violations, "retry settings must be non-negative")
	}
	if _, err := decimal.NewFromString(cfg.TakerFeeRate); err != nil {
		violations = append(violations, fmt.Sprintf("taker_fee_rate is not a number: %q", cfg.TakerFeeRate))
	}

	if len(violations) > 0 {
		return models.NewValidationError("config", violations...)
	}
	return nil
}

func between01(d decimal.Decimal) bool {
	return d.IsPositive() && d.LessThan(decimal.NewFromInt(1))
}
