package marketdata

import (
	"context"
	"time"

	"binance-cycle-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// KlineSource 抽象了K线查询接口，便于测试时替换
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]*binance.Kline, error)
}

type binanceSource struct {
	client *binance.Client
}

func (s binanceSource) Klines(ctx context.Context, symbol, interval string, limit int) ([]*binance.Kline, error) {
	return s.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
}

// Fetcher 用于从币安公共接口获取行情数据
type Fetcher struct {
	source KlineSource
}

// NewFetcher 创建一个新的行情获取器实例，公共接口不需要API Key
func NewFetcher() *Fetcher {
	return &Fetcher{source: binanceSource{client: binance.NewClient("", "")}}
}

// NewFetcherWithSource 使用自定义的K线来源
func NewFetcherWithSource(source KlineSource) *Fetcher {
	return &Fetcher{source: source}
}

// LatestCandle 返回最近一根已收盘的K线
func (f *Fetcher) LatestCandle(ctx context.Context, symbol, interval string) (models.Candle, error) {
	klines, err := f.source.Klines(ctx, symbol, interval, 2)
	if err != nil {
		return models.Candle{}, &models.ExchangeError{Op: "klines", Err: err}
	}
	if len(klines) == 0 {
		return models.Candle{}, &models.ExchangeError{Op: "klines", Err: errors.New("empty response")}
	}
	// 最后一根K线可能尚未收盘
	k := klines[len(klines)-1]
	if len(klines) > 1 && k.CloseTime > time.Now().UnixMilli() {
		k = klines[len(klines)-2]
	}
	return ToCandle(k)
}

// AllTimeHigh 使用月线计算历史最高价
func (f *Fetcher) AllTimeHigh(ctx context.Context, symbol string) (decimal.Decimal, error) {
	klines, err := f.source.Klines(ctx, symbol, "1M", 1000)
	if err != nil {
		return decimal.Zero, &models.ExchangeError{Op: "monthly klines", Err: err}
	}
	ath := decimal.Zero
	for _, k := range klines {
		high, err := decimal.NewFromString(k.High)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "parse high of kline %d", k.OpenTime)
		}
		ath = decimal.Max(ath, high)
	}
	if !ath.IsPositive() {
		return decimal.Zero, errors.Errorf("no price history for %s", symbol)
	}
	return ath, nil
}

// ToCandle 将币安K线转换为内部的K线结构
func ToCandle(k *binance.Kline) (models.Candle, error) {
	values := make([]decimal.Decimal, 5)
	for i, raw := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return models.Candle{}, errors.Wrapf(err, "parse kline %d", k.OpenTime)
		}
		values[i] = d
	}
	return models.Candle{
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Timestamp: time.UnixMilli(k.CloseTime).UTC(),
	}, nil
}
