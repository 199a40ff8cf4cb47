package models

import (
	"github.com/shopspring/decimal"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	DBPath        string `json:"db_path"`    // 数据库文件路径
	LiveWSURL     string `json:"live_ws_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`
	Symbol        string `json:"symbol"`         // 交易对，如 "BTCUSDT"
	BaseAsset     string `json:"base_asset"`     // 基础资产, e.g., "BTC"
	QuoteAsset    string `json:"quote_asset"`    // 计价资产, e.g., "USDT"
	CycleID       string `json:"cycle_id"`       // 交易周期记录的ID
	KlineInterval string `json:"kline_interval"` // K线周期, e.g., "1m"

	InitialCapital      decimal.Decimal     `json:"initial_capital"`       // 周期初始资金 (USDT)
	MaxPurchases        int                 `json:"max_purchases"`         // 每个周期最多买入次数
	MinBuyUSDT          decimal.Decimal     `json:"min_buy_usdt"`          // 策略允许的最小买入额
	ExchangeMinNotional decimal.Decimal     `json:"exchange_min_notional"` // 交易所最小订单名义价值
	DropPercentage      decimal.Decimal     `json:"drop_percentage"`       // 触发买入的跌幅, e.g., 0.02
	RisePercentage      decimal.Decimal     `json:"rise_percentage"`       // 触发卖出的涨幅, e.g., 0.03
	DriftThresholdPct   decimal.Decimal     `json:"drift_threshold_pct"`   // 余额漂移阈值, e.g., 0.005
	ATHPrice            decimal.NullDecimal `json:"ath_price"`             // 历史最高价, 为空时从交易所K线计算

	RetryAttempts       int    `json:"retry_attempts"`         // 瞬时错误的最大重试次数
	RetryInitialDelayMs int    `json:"retry_initial_delay_ms"` // 重试前的初始延迟毫秒数
	WALStaleAfterSec    int    `json:"wal_stale_after_sec"`    // 超过该时长的未完成意图将被放弃
	TakerFeeRate        string `json:"taker_fee_rate"`         // 模拟交易所的吃单手续费率
	MetricsAddr         string `json:"metrics_addr,omitempty"` // Prometheus 监听地址, 为空时不启动

	WebSocketPingIntervalSec int `json:"websocket_ping_interval_sec,omitempty"` // WebSocket Ping消息发送间隔(秒)
	WebSocketPongTimeoutSec  int `json:"websocket_pong_timeout_sec,omitempty"`  // WebSocket Pong消息超时时间(秒)

	LogConfig LogConfig `json:"log"` // 日志配置

	WSBaseURL string `json:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// TradingConfig 返回触发器与状态更新所需的交易参数子集
func (c *Config) TradingConfig() TradingConfig {
	return TradingConfig{
		DropPercentage:      c.DropPercentage,
		RisePercentage:      c.RisePercentage,
		MinBuyUSDT:          c.MinBuyUSDT,
		ExchangeMinNotional: c.ExchangeMinNotional,
		DriftThresholdPct:   c.DriftThresholdPct,
		MaxPurchases:        c.MaxPurchases,
	}
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// TradingConfig 是策略决策使用的参数
type TradingConfig struct {
	DropPercentage      decimal.Decimal `json:"drop_percentage"`
	RisePercentage      decimal.Decimal `json:"rise_percentage"`
	MinBuyUSDT          decimal.Decimal `json:"min_buy_usdt"`
	ExchangeMinNotional decimal.Decimal `json:"exchange_min_notional"`
	DriftThresholdPct   decimal.Decimal `json:"drift_threshold_pct"`
	MaxPurchases        int             `json:"max_purchases"`
}
