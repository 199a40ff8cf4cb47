package exchange

import (
	"context"

	"binance-cycle-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// Exchange 定义了现货交易所实现必须提供的方法。
// 这使得机器人可以在真实交易和模拟交易之间轻松切换。
type Exchange interface {
	// Balances 返回交易对两种资产的可用余额
	Balances(ctx context.Context) (models.Balances, error)
	// MarketBuy 以报价资产金额市价买入
	MarketBuy(ctx context.Context, quoteAmount decimal.Decimal) (*models.OrderResult, error)
	// MarketSell 以基础资产数量市价卖出
	MarketSell(ctx context.Context, quantity decimal.Decimal) (*models.OrderResult, error)
	// CheckConnectivity 探测交易所是否可达
	CheckConnectivity(ctx context.Context) bool
}

// RuleProvider 由能提供交易对下单过滤器的交易所实现。
type RuleProvider interface {
	Rules(ctx context.Context) (SymbolRules, error)
}
