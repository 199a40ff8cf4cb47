package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV market tick.
type Candle struct {
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Balances is a spot balance snapshot for the traded pair.
type Balances struct {
	QuoteSpot decimal.Decimal `json:"quote_spot"` // USDT
	BaseSpot  decimal.Decimal `json:"base_spot"`  // BTC
}

// OrderStatus mirrors the exchange order status strings.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// HasFill reports whether an order in this status carries executed quantity.
func (s OrderStatus) HasFill() bool {
	return s == OrderStatusFilled || s == OrderStatusPartiallyFilled
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderResult is the fill report of a placed order.
// Fees are split by asset; FeeOther (e.g. BNB) is informational only.
type OrderResult struct {
	OrderID             string                     `json:"orderId"`
	ClientOrderID       string                     `json:"clientOrderId,omitempty"`
	Side                Side                       `json:"side"`
	Status              OrderStatus                `json:"status"`
	ExecutedQty         decimal.Decimal            `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal            `json:"cummulativeQuoteQty"`
	AvgPrice            decimal.Decimal            `json:"avgPrice"`
	FeeBase             decimal.Decimal            `json:"feeBase"`
	FeeQuote            decimal.Decimal            `json:"feeQuote"`
	FeeOther            map[string]decimal.Decimal `json:"feeOther,omitempty"`
	TransactTime        time.Time                  `json:"transactTime"`
}

// DriftStatus is the outcome of a balance reconciliation.
type DriftStatus string

const (
	DriftOK       DriftStatus = "ok"
	DriftExceeded DriftStatus = "exceeded"
)

// DriftResult compares tracked and observed balances for one asset.
type DriftResult struct {
	Asset           string          `json:"asset"`
	Expected        decimal.Decimal `json:"expected"`
	Observed        decimal.Decimal `json:"observed"`
	DriftPercentage decimal.Decimal `json:"drift_percentage"`
	Status          DriftStatus     `json:"status"`
	Threshold       decimal.Decimal `json:"threshold"`
}

// Exceeded reports whether the drift reached the threshold.
func (r DriftResult) Exceeded() bool {
	return r.Status == DriftExceeded
}

// DriftReport bundles both assets of a pair.
type DriftReport struct {
	USDT DriftResult `json:"usdt"`
	BTC  DriftResult `json:"btc"`
}

// Exceeded reports whether either asset is out of tolerance.
func (r DriftReport) Exceeded() bool {
	return r.USDT.Exceeded() || r.BTC.Exceeded()
}

// Metadata renders the report as a flat diagnostic payload.
func (r DriftReport) Metadata() map[string]interface{} {
	return map[string]interface{}{
		"usdt_drift":    r.USDT.DriftPercentage.String(),
		"usdt_status":   string(r.USDT.Status),
		"usdt_expected": r.USDT.Expected.String(),
		"usdt_observed": r.USDT.Observed.String(),
		"btc_drift":     r.BTC.DriftPercentage.String(),
		"btc_status":    string(r.BTC.Status),
		"btc_expected":  r.BTC.Expected.String(),
		"btc_observed":  r.BTC.Observed.String(),
		"threshold":     r.USDT.Threshold.String(),
	}
}
