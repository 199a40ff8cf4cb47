package bot

import (
	"context"
	"sync"
	"time"

	"binance-cycle-bot-go/internal/alert"
	"binance-cycle-bot-go/internal/calculator"
	"binance-cycle-bot-go/internal/exchange"
	"binance-cycle-bot-go/internal/models"
	"binance-cycle-bot-go/internal/pause"
	"binance-cycle-bot-go/internal/persistence"
	"binance-cycle-bot-go/internal/statemanager"
	"binance-cycle-bot-go/internal/transaction"
	"binance-cycle-bot-go/internal/trigger"
	"binance-cycle-bot-go/internal/updater"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tick actions.
const (
	ActionNone   = "none"
	ActionBuy    = "buy"
	ActionSell   = "sell"
	ActionPaused = "paused"
)

// ATHSource supplies the all-time high when the configuration does not.
type ATHSource interface {
	AllTimeHigh(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PriceFeeder is implemented by simulated exchanges that fill at the last candle.
type PriceFeeder interface {
	SetPrice(candle models.Candle)
}

// TickResult reports what one candle did.
type TickResult struct {
	Action string
	Reason string
	Buy    *updater.BuyResult
	Sell   *updater.SellResult
}

// CycleBot 是循环交易机器人的核心结构，串行处理每根收盘K线
type CycleBot struct {
	cfg      *models.Config
	trading  models.TradingConfig
	exchange exchange.Exchange
	ath      ATHSource
	logger   *zap.Logger

	state       *statemanager.StateManager
	tx          *transaction.Manager
	pause       *pause.Mechanism
	buyTrigger  *trigger.BuyTriggerDetector
	sellTrigger *trigger.SellTriggerDetector
	buyUpdater  *updater.BuyOrderStateUpdater
	sellUpdater *updater.SellOrderStateUpdater

	mu         sync.Mutex
	lastCandle models.Candle
}

// NewCycleBot 创建一个新的循环交易机器人实例并装配所有组件
func NewCycleBot(cfg *models.Config, ex exchange.Exchange, repo persistence.Repository, alerts alert.Sender, ath ATHSource, logger *zap.Logger) *CycleBot {
	trading := cfg.TradingConfig()
	sm := statemanager.NewStateManager(statemanager.SettingsFromConfig(cfg), repo, repo, logger.Named("state"))
	tx := transaction.NewManager(repo, transaction.Options{
		Retry: transaction.RetryConfig{
			MaxRetries:   cfg.RetryAttempts,
			InitialDelay: time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		},
		StaleAfter: time.Duration(cfg.WALStaleAfterSec) * time.Second,
	}, logger.Named("tx"))
	listener := updater.LogListener{Logger: logger.Named("updater")}

	return &CycleBot{
		cfg:      cfg,
		trading:  trading,
		exchange: ex,
		ath:      ath,
		logger:   logger,
		state:    sm,
		tx:       tx,
		pause: pause.NewMechanism(pause.Deps{
			CycleID:  cfg.CycleID,
			State:    sm,
			Writer:   tx,
			Store:    repo,
			Alerts:   alerts,
			Drift:    calculator.NewDriftDetector(trading.DriftThresholdPct),
			Balances: ex,
			Exchange: ex,
			Logger:   logger.Named("pause"),
		}),
		buyTrigger:  trigger.NewBuyTriggerDetector(logger.Named("trigger")),
		sellTrigger: trigger.NewSellTriggerDetector(logger.Named("trigger")),
		buyUpdater:  updater.NewBuyOrderStateUpdater(tx, listener),
		sellUpdater: updater.NewSellOrderStateUpdater(tx, listener, cfg.MaxPurchases),
	}
}

// Start 加载或创建周期状态，恢复未完成的事务和暂停状态，并在启动时对账一次
func (b *CycleBot) Start(ctx context.Context) error {
	state, err := b.state.Initialize(ctx)
	if err != nil {
		return errors.Wrap(err, "initialize cycle state")
	}

	report, err := b.tx.RecoverIncompleteTransactions(ctx, b.cfg.CycleID)
	if err != nil {
		return errors.Wrap(err, "recover write-ahead intents")
	}
	if len(report.Replayed)+len(report.Abandoned)+len(report.Settled) > 0 {
		b.logger.Warn("Recovered write-ahead intents",
			zap.Strings("replayed", report.Replayed),
			zap.Strings("abandoned", report.Abandoned),
			zap.Strings("settled", report.Settled))
		if state, err = b.state.Refresh(ctx); err != nil {
			return err
		}
	}

	if err := b.pause.Restore(ctx); err != nil {
		return errors.Wrap(err, "restore pause state")
	}

	if rp, ok := b.exchange.(exchange.RuleProvider); ok {
		rules, err := rp.Rules(ctx)
		if err != nil {
			b.logger.Warn("无法获取交易对过滤器, 按 1e-8 判断清仓", zap.Error(err))
		} else {
			b.sellUpdater.SetLotStep(rules.StepSize)
		}
	}

	if !state.ReferencePrice.Valid && state.Status != models.StatusPaused {
		if err := b.seedReferencePrice(ctx, state); err != nil {
			return err
		}
	}

	if !b.pause.IsPaused() {
		balances, err := b.exchange.Balances(ctx)
		if err != nil {
			b.pause.PauseOnError(ctx, err, pause.PauseContext{Operation: "startup balances"})
		} else {
			b.pause.CheckDriftAndPause(ctx, balances)
		}
	}

	b.logStatus()
	return nil
}

// seedReferencePrice 为新周期设置初始参考价 (历史最高价)
func (b *CycleBot) seedReferencePrice(ctx context.Context, state *models.CycleState) error {
	ath := state.ATHPrice
	if !ath.Valid && b.ath != nil {
		price, err := b.ath.AllTimeHigh(ctx, b.cfg.Symbol)
		if err != nil {
			b.logger.Warn("无法获取历史最高价, 参考价保持为空", zap.Error(err))
			return nil
		}
		ath = decimal.NewNullDecimal(price)
	}
	if !ath.Valid {
		b.logger.Warn("未配置历史最高价, 在设置参考价之前不会买入")
		return nil
	}

	res, err := b.tx.UpdateStateAtomic(ctx, state.ID, models.CycleUpdate{
		ReferencePrice: models.NullDecimalPtr(ath),
		ATHPrice:       models.NullDecimalPtr(ath),
	}, models.VersionPtr(state.Version))
	if err != nil {
		return errors.Wrap(err, "seed reference price")
	}
	b.state.SetState(res.Current)
	b.logger.Info("参考价已设置为历史最高价", zap.String("reference_price", ath.Decimal.String()))
	return nil
}

// Run 处理K线直到ctx被取消，并定期打印状态
func (b *CycleBot) Run(ctx context.Context, candles <-chan models.Candle) {
	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("循环交易机器人已停止")
			return
		case candle, ok := <-candles:
			if !ok {
				return
			}
			if _, err := b.ProcessCandle(ctx, candle); err != nil {
				b.logger.Error("处理K线失败", zap.Error(err))
			}
		case <-statusTicker.C:
			b.logStatus()
		}
	}
}

// ProcessCandle 对一根收盘K线执行对账、卖出检查和买入检查。
func (b *CycleBot) ProcessCandle(ctx context.Context, candle models.Candle) (TickResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastCandle = candle
	if feeder, ok := b.exchange.(PriceFeeder); ok {
		feeder.SetPrice(candle)
	}

	if b.pause.IsPaused() {
		return TickResult{Action: ActionPaused, Reason: string(b.pause.State().Reason)}, nil
	}

	balances, err := b.exchange.Balances(ctx)
	if err != nil {
		b.pause.PauseOnError(ctx, err, pause.PauseContext{Operation: "fetch balances"})
		return TickResult{Action: ActionPaused, Reason: string(models.PauseExchangeError)}, err
	}
	if drift := b.pause.CheckDriftAndPause(ctx, balances); drift.Pause != nil {
		return TickResult{Action: ActionPaused, Reason: string(models.PauseDriftDetected)}, nil
	}

	state := b.state.GetCurrentState()
	if state == nil {
		return TickResult{}, errors.New("cycle state is not initialized")
	}

	sell := b.sellTrigger.CheckSellTrigger(state, b.trading, candle, balances)
	if sell.ShouldSell {
		return b.executeSell(ctx, state, sell.SellAmount)
	}

	buy := b.buyTrigger.CheckBuyTrigger(state, b.trading, candle, balances)
	if buy.ShouldBuy {
		return b.executeBuy(ctx, state, buy.BuyAmount)
	}
	return TickResult{Action: ActionNone, Reason: buy.Reason}, nil
}

func (b *CycleBot) executeBuy(ctx context.Context, state *models.CycleState, amount decimal.Decimal) (TickResult, error) {
	var result *updater.BuyResult
	_, err := b.tx.ExecuteWithWriteAheadLog(ctx, state.ID, nil, func(ctx context.Context) error {
		order, err := b.exchange.MarketBuy(ctx, amount)
		if err != nil {
			return err
		}
		result, err = b.buyUpdater.UpdateFromBuyOrder(ctx, state, *order)
		return err
	}, map[string]interface{}{
		"side":    string(models.Buy),
		"amount":  amount.String(),
		"version": state.Version,
	})
	if err != nil {
		pr := b.pause.PauseOnError(ctx, err, pause.PauseContext{Operation: "buy"})
		return TickResult{Action: ActionPaused, Reason: string(pr.Reason)}, err
	}

	b.state.SetState(result.Update.Current)
	return TickResult{Action: ActionBuy, Buy: result}, nil
}

func (b *CycleBot) executeSell(ctx context.Context, state *models.CycleState, quantity decimal.Decimal) (TickResult, error) {
	var result *updater.SellResult
	_, err := b.tx.ExecuteWithWriteAheadLog(ctx, state.ID, nil, func(ctx context.Context) error {
		order, err := b.exchange.MarketSell(ctx, quantity)
		if err != nil {
			return err
		}
		result, err = b.sellUpdater.UpdateFromSellOrder(ctx, state, *order)
		return err
	}, map[string]interface{}{
		"side":     string(models.Sell),
		"quantity": quantity.String(),
		"version":  state.Version,
	})
	if err != nil {
		pr := b.pause.PauseOnError(ctx, err, pause.PauseContext{Operation: "sell"})
		return TickResult{Action: ActionPaused, Reason: string(pr.Reason)}, err
	}

	b.state.SetState(result.Update.Current)
	if result.CycleCompleted {
		b.logger.Info("CYCLE COMPLETED",
			zap.String("principal", result.Principal.String()),
			zap.String("profit", result.Profit.String()),
			zap.String("capital", result.Update.Current.CapitalAvailable.String()))
	}
	return TickResult{Action: ActionSell, Sell: result}, nil
}

// Pause 手动暂停策略
func (b *CycleBot) Pause(ctx context.Context, metadata map[string]interface{}) pause.PauseResult {
	return b.pause.Pause(ctx, models.PauseManual, metadata)
}

// Resume 恢复策略, force 跳过安全检查
func (b *CycleBot) Resume(ctx context.Context, force bool) pause.ResumeResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pause.ResumeStrategy(ctx, force)
}

// IsPaused 返回策略是否处于暂停状态
func (b *CycleBot) IsPaused() bool {
	return b.pause.IsPaused()
}

// State 返回当前周期状态的副本
func (b *CycleBot) State() *models.CycleState {
	return b.state.GetCurrentState()
}

// logStatus 打印当前状态
func (b *CycleBot) logStatus() {
	state := b.state.GetCurrentState()
	if state == nil {
		return
	}
	b.logger.Info("--- 周期状态 ---",
		zap.String("cycle_id", state.ID),
		zap.String("status", string(state.Status)),
		zap.Bool("paused", b.pause.IsPaused()),
		zap.String("capital_available", state.CapitalAvailable.String()),
		zap.String("btc_accumulated", state.BTCAccumulated.String()),
		zap.String("reference_price", state.ReferencePrice.Decimal.String()),
		zap.Int("purchases_remaining", state.PurchasesRemaining),
		zap.String("last_close", b.lastCandle.Close.String()),
		zap.Int64("version", state.Version))
}
