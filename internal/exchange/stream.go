package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"binance-cycle-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StreamConfig 是K线订阅的参数
type StreamConfig struct {
	WSBaseURL      string
	Symbol         string
	Interval       string
	PingPeriod     time.Duration // 为零时取 PongWait 的 9/10
	PongWait       time.Duration
	ReconnectDelay time.Duration
}

// KlineStream 通过WebSocket订阅K线，只推送已收盘的K线。
type KlineStream struct {
	cfg    StreamConfig
	logger *zap.Logger
}

// NewKlineStream 创建一个新的 KlineStream
func NewKlineStream(cfg StreamConfig, logger *zap.Logger) *KlineStream {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &KlineStream{cfg: cfg, logger: logger}
}

// URL 返回订阅地址
func (s *KlineStream) URL() string {
	return fmt.Sprintf("%s/ws/%s@kline_%s", strings.TrimRight(s.cfg.WSBaseURL, "/"), strings.ToLower(s.cfg.Symbol), s.cfg.Interval)
}

// Run 是一个守护循环，负责维持WebSocket连接和重连，直到ctx被取消。
func (s *KlineStream) Run(ctx context.Context, out chan<- models.Candle) {
	for {
		if ctx.Err() != nil {
			s.logger.Info("K线订阅已停止")
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL(), nil)
		if err != nil {
			s.logger.Warn("WebSocket连接失败，稍后重试", zap.Error(err), zap.Duration("delay", s.cfg.ReconnectDelay))
		} else {
			s.logger.Info("WebSocket连接成功", zap.String("url", s.URL()))
			if err := s.handleMessages(ctx, conn, out); err != nil {
				s.logger.Warn("WebSocket处理时发生错误", zap.Error(err))
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			s.logger.Info("K线订阅已停止")
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// handleMessages 为一个已建立的连接读取消息，并实现心跳机制
func (s *KlineStream) handleMessages(ctx context.Context, conn *websocket.Conn, out chan<- models.Candle) error {
	pongWait := s.cfg.PongWait
	pingPeriod := s.cfg.PingPeriod
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					s.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 同时让阻塞的 ReadMessage 返回
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.SetReadDeadline(time.Now())
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read message")
		}

		candle, closed, err := ParseKlineMessage(message)
		if err != nil {
			s.logger.Warn("解析K线消息失败", zap.Error(err))
			continue
		}
		if !closed {
			continue
		}
		select {
		case out <- candle:
		case <-ctx.Done():
			return nil
		}
	}
}

type klineEvent struct {
	Kline struct {
		StartTime int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

// ParseKlineMessage 解析币安K线推送，返回K线以及是否已收盘。
func ParseKlineMessage(message []byte) (models.Candle, bool, error) {
	var event klineEvent
	if err := json.Unmarshal(message, &event); err != nil {
		return models.Candle{}, false, errors.Wrap(err, "decode kline event")
	}
	k := event.Kline
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", k.Open, new(decimal.Decimal)},
		{"high", k.High, new(decimal.Decimal)},
		{"low", k.Low, new(decimal.Decimal)},
		{"close", k.Close, new(decimal.Decimal)},
		{"volume", k.Volume, new(decimal.Decimal)},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return models.Candle{}, false, errors.Wrapf(err, "parse %s", f.name)
		}
		*f.dst = d
	}
	return models.Candle{
		Open:      *fields[0].dst,
		High:      *fields[1].dst,
		Low:       *fields[2].dst,
		Close:     *fields[3].dst,
		Volume:    *fields[4].dst,
		Timestamp: time.UnixMilli(k.CloseTime).UTC(),
	}, k.IsClosed, nil
}
