package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-cycle-bot-go/internal/alert"
	"binance-cycle-bot-go/internal/bot"
	"binance-cycle-bot-go/internal/config"
	"binance-cycle-bot-go/internal/exchange"
	"binance-cycle-bot-go/internal/logger"
	"binance-cycle-bot-go/internal/marketdata"
	"binance-cycle-bot-go/internal/metrics"
	"binance-cycle-bot-go/internal/models"
	"binance-cycle-bot-go/internal/pause"
	"binance-cycle-bot-go/internal/persistence"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	resume := flag.Bool("resume", false, "resume a paused cycle after safety checks")
	force := flag.Bool("force", false, "with -resume, skip the safety checks")
	dryRun := flag.Bool("dry-run", false, "trade against an in-memory paper exchange")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录配置加载过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log := logger.InitLogger(cfg.LogConfig)
	defer log.Sync()

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		log.Fatal("无法打开状态数据库", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr, log)
	}

	ex, err := newExchange(ctx, cfg, *dryRun, log)
	if err != nil {
		log.Fatal("初始化交易所失败", zap.Error(err))
	}

	fetcher := marketdata.NewFetcher()
	cycleBot := bot.NewCycleBot(cfg, ex, repo, alert.NewLogSender(log.Named("alert")), fetcher, log.Named("bot"))
	if err := cycleBot.Start(ctx); err != nil {
		log.Fatal("机器人启动失败", zap.Error(err))
	}

	if *resume {
		res := cycleBot.Resume(ctx, *force)
		switch {
		case res.Resumed:
			log.Info("策略已恢复", zap.Bool("forced", res.Forced))
		case res.Reason == pause.ResumeNotPaused:
			log.Info("策略未暂停, 无需恢复")
		default:
			log.Error("策略恢复失败, 保持暂停", zap.String("reason", res.Reason), zap.Error(res.Err))
		}
	}

	// 先处理最近一根已收盘K线, 不必等待下一个周期
	if latest, err := fetcher.LatestCandle(ctx, cfg.Symbol, cfg.KlineInterval); err != nil {
		log.Warn("无法获取最近的K线", zap.Error(err))
	} else if _, err := cycleBot.ProcessCandle(ctx, latest); err != nil {
		log.Error("处理最近的K线失败", zap.Error(err))
	}

	wsBaseURL := cfg.LiveWSURL
	if cfg.IsTestnet {
		wsBaseURL = cfg.TestnetWSURL
		log.Info("正在使用币安测试网...")
	}
	cfg.WSBaseURL = wsBaseURL

	candles := make(chan models.Candle, 16)
	stream := exchange.NewKlineStream(exchange.StreamConfig{
		WSBaseURL:  cfg.WSBaseURL,
		Symbol:     cfg.Symbol,
		Interval:   cfg.KlineInterval,
		PingPeriod: time.Duration(cfg.WebSocketPingIntervalSec) * time.Second,
		PongWait:   time.Duration(cfg.WebSocketPongTimeoutSec) * time.Second,
	}, log.Named("stream"))
	go stream.Run(ctx, candles)

	log.Info("--- 循环交易机器人已启动 ---",
		zap.String("symbol", cfg.Symbol),
		zap.String("cycle_id", cfg.CycleID),
		zap.Bool("dry_run", *dryRun))
	cycleBot.Run(ctx, candles)
	log.Info("机器人已成功停止。")
}

// newExchange 根据运行模式创建交易所实现
func newExchange(ctx context.Context, cfg *models.Config, dryRun bool, log *zap.Logger) (exchange.Exchange, error) {
	if dryRun {
		log.Info("--- 模拟盘模式: 订单在内存中成交 ---")
		fee := decimal.RequireFromString(cfg.TakerFeeRate)
		return exchange.NewPaperExchange(cfg.InitialCapital, fee, cfg.ExchangeMinNotional), nil
	}

	// 从环境变量加载API密钥
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		return nil, errors.New("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
	}

	spot := exchange.NewBinanceSpot(exchange.SpotConfig{
		APIKey:     apiKey,
		SecretKey:  secretKey,
		Symbol:     cfg.Symbol,
		BaseAsset:  cfg.BaseAsset,
		QuoteAsset: cfg.QuoteAsset,
		Testnet:    cfg.IsTestnet,
	}, log.Named("exchange"))
	if err := spot.SyncTime(ctx); err != nil {
		return nil, err
	}
	return spot, nil
}

func startMetricsServer(ctx context.Context, addr string, log *zap.Logger) {
	srv := &http.Server{Addr: addr, Handler: metricsMux()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("指标服务异常退出", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("Prometheus 指标已暴露", zap.String("addr", addr))
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
