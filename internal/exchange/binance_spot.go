package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"

	"binance-cycle-bot-go/internal/calculator"
	"binance-cycle-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SpotConfig 是 BinanceSpot 的连接参数
type SpotConfig struct {
	APIKey     string
	SecretKey  string
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Testnet    bool
}

// BinanceSpot 实现了 Exchange 接口，用于与币安现货交易所进行交互。
type BinanceSpot struct {
	client *binance.Client
	cfg    SpotConfig
	logger *zap.Logger

	mu    sync.Mutex
	rules *SymbolRules
}

// NewBinanceSpot 创建一个新的 BinanceSpot 实例。
func NewBinanceSpot(cfg SpotConfig, logger *zap.Logger) *BinanceSpot {
	binance.UseTestnet = cfg.Testnet
	return &BinanceSpot{
		client: binance.NewClient(cfg.APIKey, cfg.SecretKey),
		cfg:    cfg,
		logger: logger,
	}
}

// SyncTime 与币安服务器同步时间，签名请求会使用该偏移。
func (e *BinanceSpot) SyncTime(ctx context.Context) error {
	offset, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return &models.ExchangeError{Op: "sync time", Err: err}
	}
	e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))
	return nil
}

// CheckConnectivity 通过 ping 接口探测连通性。
func (e *BinanceSpot) CheckConnectivity(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.client.NewPingService().Do(ctx); err != nil {
		e.logger.Warn("币安连通性检查失败", zap.Error(err))
		return false
	}
	return true
}

// Balances 获取基础资产和报价资产的可用余额。
func (e *BinanceSpot) Balances(ctx context.Context) (models.Balances, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return models.Balances{}, &models.ExchangeError{Op: "get account", Err: err}
	}

	balances := models.Balances{QuoteSpot: decimal.Zero, BaseSpot: decimal.Zero}
	for _, b := range account.Balances {
		switch b.Asset {
		case e.cfg.QuoteAsset:
			balances.QuoteSpot, err = decimal.NewFromString(b.Free)
		case e.cfg.BaseAsset:
			balances.BaseSpot, err = decimal.NewFromString(b.Free)
		}
		if err != nil {
			return models.Balances{}, &models.ExchangeError{Op: "parse balance " + b.Asset, Err: err}
		}
	}
	return balances, nil
}

// Rules 返回交易对的下单过滤器，首次调用时从 exchangeInfo 获取并缓存。
func (e *BinanceSpot) Rules(ctx context.Context) (SymbolRules, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rules != nil {
		return *e.rules, nil
	}

	info, err := e.client.NewExchangeInfoService().Symbol(e.cfg.Symbol).Do(ctx)
	if err != nil {
		return SymbolRules{}, &models.ExchangeError{Op: "exchange info", Err: err}
	}
	for _, s := range info.Symbols {
		if s.Symbol != e.cfg.Symbol {
			continue
		}
		rules, err := parseSymbolRules(s.Filters)
		if err != nil {
			return SymbolRules{}, &models.ExchangeError{Op: "exchange info", Err: err}
		}
		e.rules = &rules
		e.logger.Info("已加载交易对过滤器",
			zap.String("symbol", e.cfg.Symbol),
			zap.String("stepSize", rules.StepSize.String()),
			zap.String("minQty", rules.MinQty.String()),
			zap.String("minNotional", rules.MinNotional.String()))
		return rules, nil
	}
	return SymbolRules{}, &models.ExchangeError{Op: "exchange info", Err: errors.Errorf("symbol %s not found", e.cfg.Symbol)}
}

// MarketBuy 使用 quoteOrderQty 市价买入，返回带成交明细的结果。
func (e *BinanceSpot) MarketBuy(ctx context.Context, quoteAmount decimal.Decimal) (*models.OrderResult, error) {
	rules, err := e.Rules(ctx)
	if err != nil {
		return nil, err
	}
	quote := quoteAmount.RoundFloor(2)
	if err := rules.CheckNotional(quote); err != nil {
		return nil, &models.ExchangeError{Op: "market buy", Err: err}
	}

	resp, err := e.client.NewCreateOrderService().
		Symbol(e.cfg.Symbol).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeMarket).
		QuoteOrderQty(quote.String()).
		NewClientOrderID(models.NewID("buy")).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return nil, &models.ExchangeError{Op: "market buy", Err: err}
	}
	return e.toOrderResult(resp)
}

// MarketSell 按基础资产数量市价卖出，数量先向下取整到 LOT_SIZE 步长。
// 卖单的名义价值由交易所校验。
func (e *BinanceSpot) MarketSell(ctx context.Context, quantity decimal.Decimal) (*models.OrderResult, error) {
	rules, err := e.Rules(ctx)
	if err != nil {
		return nil, err
	}
	adjusted, err := rules.AdjustQuantity(calculator.FloorToPrecision(quantity, calculator.BasePrecision))
	if err != nil {
		return nil, &models.ExchangeError{Op: "market sell", Err: err}
	}
	if !adjusted.Equal(quantity) {
		e.logger.Debug("卖出数量已按步长调整", zap.String("requested", quantity.String()), zap.String("adjusted", adjusted.String()))
	}

	resp, err := e.client.NewCreateOrderService().
		Symbol(e.cfg.Symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeMarket).
		Quantity(adjusted.String()).
		NewClientOrderID(models.NewID("sell")).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return nil, &models.ExchangeError{Op: "market sell", Err: err}
	}
	return e.toOrderResult(resp)
}

// toOrderResult 将币安的下单响应转换为内部的成交结果，手续费按资产拆分。
func (e *BinanceSpot) toOrderResult(resp *binance.CreateOrderResponse) (*models.OrderResult, error) {
	executed, err := decimal.NewFromString(resp.ExecutedQuantity)
	if err != nil {
		return nil, &models.ExchangeError{Op: "parse executedQty", Err: err}
	}
	quote, err := decimal.NewFromString(resp.CummulativeQuoteQuantity)
	if err != nil {
		return nil, &models.ExchangeError{Op: "parse cummulativeQuoteQty", Err: err}
	}

	result := &models.OrderResult{
		OrderID:             strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:       resp.ClientOrderID,
		Side:                models.Side(resp.Side),
		Status:              models.OrderStatus(resp.Status),
		ExecutedQty:         executed,
		CummulativeQuoteQty: quote,
		FeeBase:             decimal.Zero,
		FeeQuote:            decimal.Zero,
		TransactTime:        time.UnixMilli(resp.TransactTime).UTC(),
	}
	if executed.IsPositive() {
		result.AvgPrice = quote.Div(executed)
	}

	for _, fill := range resp.Fills {
		commission, err := decimal.NewFromString(fill.Commission)
		if err != nil {
			return nil, &models.ExchangeError{Op: "parse commission", Err: err}
		}
		switch fill.CommissionAsset {
		case e.cfg.BaseAsset:
			result.FeeBase = result.FeeBase.Add(commission)
		case e.cfg.QuoteAsset:
			result.FeeQuote = result.FeeQuote.Add(commission)
		default:
			if result.FeeOther == nil {
				result.FeeOther = make(map[string]decimal.Decimal)
			}
			result.FeeOther[fill.CommissionAsset] = result.FeeOther[fill.CommissionAsset].Add(commission)
		}
	}

	e.logger.Info("订单已成交",
		zap.String("orderId", result.OrderID),
		zap.String("side", string(result.Side)),
		zap.String("status", string(result.Status)),
		zap.String("executedQty", result.ExecutedQty.String()),
		zap.String("cummulativeQuoteQty", result.CummulativeQuoteQty.String()),
		zap.String("feeBase", result.FeeBase.String()),
		zap.String("feeQuote", result.FeeQuote.String()))
	return result, nil
}
