package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"

	"binance-cycle-bot-go/internal/calculator"
	"binance-cycle-bot-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PaperExchange 实现了 Exchange 接口，在内存中模拟现货市价成交，用于模拟盘和测试。
type PaperExchange struct {
	mu sync.Mutex

	QuoteBalance decimal.Decimal
	BaseBalance  decimal.Decimal
	CurrentPrice decimal.Decimal
	CurrentTime  time.Time
	TradeLog     []models.OrderResult

	// 模拟引擎特定配置
	TakerFeeRate     decimal.Decimal // 吃单手续费率
	SlippageRate     decimal.Decimal // 滑点率
	MinNotionalValue decimal.Decimal // 最小名义价值
	StepSize         decimal.Decimal // 数量步长，零表示不限制
	Reachable        bool

	nextOrderID int64
}

// NewPaperExchange 创建一个新的 PaperExchange 实例。
// 买单手续费以基础资产收取，卖单手续费以报价资产收取，与币安现货一致。
func NewPaperExchange(quoteBalance, takerFeeRate, minNotional decimal.Decimal) *PaperExchange {
	return &PaperExchange{
		QuoteBalance:     quoteBalance,
		BaseBalance:      decimal.Zero,
		TakerFeeRate:     takerFeeRate,
		SlippageRate:     decimal.Zero,
		MinNotionalValue: minNotional,
		Reachable:        true,
		nextOrderID:      1,
	}
}

// SetPrice 推进模拟行情，后续市价单按收盘价成交。
func (e *PaperExchange) SetPrice(candle models.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CurrentPrice = candle.Close
	e.CurrentTime = candle.Timestamp
}

func (e *PaperExchange) CheckConnectivity(context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Reachable
}

func (e *PaperExchange) Balances(context.Context) (models.Balances, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.Balances{QuoteSpot: e.QuoteBalance, BaseSpot: e.BaseBalance}, nil
}

func (e *PaperExchange) MarketBuy(_ context.Context, quoteAmount decimal.Decimal) (*models.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOrder(quoteAmount); err != nil {
		return nil, &models.ExchangeError{Op: "market buy", Err: err}
	}
	if quoteAmount.GreaterThan(e.QuoteBalance) {
		return nil, &models.ExchangeError{Op: "market buy", Err: errors.Errorf("insufficient %s balance: %s < %s", "quote", e.QuoteBalance, quoteAmount)}
	}

	// 模拟滑点：买入价格上浮
	price := e.CurrentPrice.Mul(decimal.NewFromInt(1).Add(e.SlippageRate))
	qty := calculator.FloorToPrecision(quoteAmount.Div(price), calculator.BasePrecision)
	spent := qty.Mul(price)
	fee := calculator.FloorToPrecision(qty.Mul(e.TakerFeeRate), calculator.BasePrecision)

	e.QuoteBalance = e.QuoteBalance.Sub(spent)
	e.BaseBalance = e.BaseBalance.Add(qty).Sub(fee)
	return e.record(models.Buy, qty, spent, price, fee, decimal.Zero), nil
}

func (e *PaperExchange) MarketSell(_ context.Context, quantity decimal.Decimal) (*models.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.StepSize.IsPositive() {
		adjusted, err := e.rules().AdjustQuantity(quantity)
		if err != nil {
			return nil, &models.ExchangeError{Op: "market sell", Err: err}
		}
		quantity = adjusted
	}
	if err := e.checkOrder(quantity.Mul(e.CurrentPrice)); err != nil {
		return nil, &models.ExchangeError{Op: "market sell", Err: err}
	}
	if quantity.GreaterThan(e.BaseBalance) {
		return nil, &models.ExchangeError{Op: "market sell", Err: errors.Errorf("insufficient base balance: %s < %s", e.BaseBalance, quantity)}
	}

	// 模拟滑点：卖出价格下浮
	price := e.CurrentPrice.Mul(decimal.NewFromInt(1).Sub(e.SlippageRate))
	received := quantity.Mul(price)
	fee := received.Mul(e.TakerFeeRate).RoundFloor(8)

	e.BaseBalance = e.BaseBalance.Sub(quantity)
	e.QuoteBalance = e.QuoteBalance.Add(received).Sub(fee)
	return e.record(models.Sell, quantity, received, price, decimal.Zero, fee), nil
}

// Rules 返回模拟盘的下单过滤器。
func (e *PaperExchange) Rules(context.Context) (SymbolRules, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rules(), nil
}

func (e *PaperExchange) rules() SymbolRules {
	return SymbolRules{StepSize: e.StepSize, MinNotional: e.MinNotionalValue}
}

func (e *PaperExchange) checkOrder(notional decimal.Decimal) error {
	if !e.Reachable {
		return errors.New("exchange unreachable")
	}
	if !e.CurrentPrice.IsPositive() {
		return errors.New("no market price yet")
	}
	if notional.LessThan(e.MinNotionalValue) {
		return errors.Errorf("notional %s below minimum %s", notional, e.MinNotionalValue)
	}
	return nil
}

// record 生成成交结果并追加到交易日志，调用方需持有锁
func (e *PaperExchange) record(side models.Side, qty, quote, price, feeBase, feeQuote decimal.Decimal) *models.OrderResult {
	id := e.nextOrderID
	e.nextOrderID++
	result := models.OrderResult{
		OrderID:             strconv.FormatInt(id, 10),
		Side:                side,
		Status:              models.OrderStatusFilled,
		ExecutedQty:         qty,
		CummulativeQuoteQty: quote,
		AvgPrice:            price,
		FeeBase:             feeBase,
		FeeQuote:            feeQuote,
		TransactTime:        e.CurrentTime,
	}
	e.TradeLog = append(e.TradeLog, result)
	return &result
}
