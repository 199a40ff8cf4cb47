package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"binance-cycle-bot-go/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func btcFilters() []map[string]interface{} {
	return []map[string]interface{}{
		{"filterType": "PRICE_FILTER", "minPrice": "0.01", "maxPrice": "1000000.00", "tickSize": "0.01"},
		{"filterType": "LOT_SIZE", "minQty": "0.00001000", "maxQty": "9000.00000000", "stepSize": "0.00001000"},
		{"filterType": "NOTIONAL", "minNotional": "5.00000000", "applyMinToMarket": true},
	}
}

func TestParseSymbolRules(t *testing.T) {
	rules, err := parseSymbolRules(btcFilters())
	require.NoError(t, err)
	assert.True(t, rules.StepSize.Equal(dec("0.00001")))
	assert.True(t, rules.MinQty.Equal(dec("0.00001")))
	assert.True(t, rules.MinNotional.Equal(dec("5")))

	_, err = parseSymbolRules([]map[string]interface{}{{"filterType": "LOT_SIZE", "stepSize": "abc"}})
	assert.Error(t, err)
}

func TestAdjustQuantityFloorsToStep(t *testing.T) {
	rules := SymbolRules{StepSize: dec("0.00001"), MinQty: dec("0.00001"), MinNotional: dec("5")}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already on step", "0.00123", "0.00123"},
		{"floors fraction of a step", "0.001239", "0.00123"},
		{"eight decimals", "0.00398999", "0.00398"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rules.AdjustQuantity(dec(tt.in))
			require.NoError(t, err)
			assert.True(t, got.Equal(dec(tt.want)), "got %s", got)
		})
	}

	_, err := rules.AdjustQuantity(dec("0.000009"))
	assert.True(t, errors.Is(err, ErrBelowLotSize))

	assert.NoError(t, rules.CheckNotional(dec("5")))
	assert.True(t, errors.Is(rules.CheckNotional(dec("4.99")), ErrBelowMinNotional))
}

// fakeSpotAPI 模拟 exchangeInfo 和下单接口，记录下单参数。
type fakeSpotAPI struct {
	mu         sync.Mutex
	infoCalls  int
	quantities []string
	quotes     []string
}

func (f *fakeSpotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/v3/exchangeInfo":
		f.infoCalls++
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT","filters":[
			{"filterType":"LOT_SIZE","minQty":"0.00001000","maxQty":"9000.00000000","stepSize":"0.00001000"},
			{"filterType":"NOTIONAL","minNotional":"5.00000000"}]}]}`))
	case "/api/v3/order":
		_ = r.ParseForm()
		f.quantities = append(f.quantities, r.Form.Get("quantity"))
		f.quotes = append(f.quotes, r.Form.Get("quoteOrderQty"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":7,"clientOrderId":"sell-1","transactTime":1700000000000,
			"executedQty":"0.00398000","cummulativeQuoteQty":"203.00000000","status":"FILLED","type":"MARKET","side":"SELL","fills":[]}`))
	default:
		http.NotFound(w, r)
	}
}

func TestBinanceSpotAppliesSymbolRules(t *testing.T) {
	api := &fakeSpotAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	spot := NewBinanceSpot(SpotConfig{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"}, zap.NewNop())
	spot.client.BaseURL = srv.URL
	ctx := context.Background()

	res, err := spot.MarketSell(ctx, dec("0.00398999"))
	require.NoError(t, err)
	assert.True(t, res.ExecutedQty.Equal(dec("0.00398")))

	_, err = spot.MarketSell(ctx, dec("0.000005"))
	var exErr *models.ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.True(t, errors.Is(err, ErrBelowLotSize))

	_, err = spot.MarketBuy(ctx, dec("4.999"))
	require.ErrorAs(t, err, &exErr)
	assert.True(t, errors.Is(err, ErrBelowMinNotional))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"0.00398"}, api.quantities, "only the adjusted sell reaches the exchange")
	assert.Equal(t, 1, api.infoCalls, "filters are cached")
}

func TestPaperExchangeSellFloorsToStep(t *testing.T) {
	ctx := context.Background()
	ex := NewPaperExchange(dec("1000"), dec("0"), dec("5"))
	ex.StepSize = dec("0.00001")
	ex.SetPrice(models.Candle{Close: dec("50000")})

	_, err := ex.MarketBuy(ctx, dec("199.5"))
	require.NoError(t, err)
	require.True(t, ex.BaseBalance.Equal(dec("0.00399")))

	sell, err := ex.MarketSell(ctx, dec("0.003995"))
	require.NoError(t, err)
	assert.True(t, sell.ExecutedQty.Equal(dec("0.00399")))

	rules, err := ex.Rules(ctx)
	require.NoError(t, err)
	assert.True(t, rules.StepSize.Equal(dec("0.00001")))
}
