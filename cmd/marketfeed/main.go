package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketfeed/config"
	"marketfeed/internal/cache"
	"marketfeed/internal/channel"
	"marketfeed/internal/fetcher"
	"marketfeed/internal/metrics"
	"marketfeed/internal/metrics/rate"
	"marketfeed/internal/monitor"
	"marketfeed/internal/status"
	"marketfeed/internal/stream"
	"marketfeed/internal/subscription"
	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/processor"
	"marketfeed/reader"
	"marketfeed/reader/binance"
	"marketfeed/reader/bybit"
	"marketfeed/writer"
)

// exchangeClient is what both adapters provide.
type exchangeClient interface {
	reader.Client
	reader.Streamer
	Capabilities() reader.Capabilities
	Transport() *rate.Transport
	StartStream(ctx context.Context) error
	StopStream()
}

func newClient(ctx context.Context, cfg config.ExchangeConfig) (exchangeClient, error) {
	switch cfg.Name {
	case "bybit":
		return bybit.NewClient(cfg), nil
	case "binance":
		c := binance.NewClient(cfg)
		c.LoadWeightLimit(ctx)
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Name)
	}
}

// streamChannels lists one channel per symbol and kind, with one ohlcv channel per timeframe.
func streamChannels(symbols, timeframes []string) []models.Channel {
	out := make([]models.Channel, 0, len(symbols)*(3+len(timeframes)))
	for _, s := range symbols {
		out = append(out,
			models.Channel{Kind: models.KindTicker, Symbol: s},
			models.Channel{Kind: models.KindOrderbook, Symbol: s},
			models.Channel{Kind: models.KindTrades, Symbol: s},
		)
		for _, tf := range timeframes {
			out = append(out, models.Channel{Kind: models.KindOHLCV, Symbol: s, Timeframe: tf})
		}
	}
	return out
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Marketfeed.Name,
		"version":     cfg.Marketfeed.Version,
		"environment": config.AppEnvironment(),
		"exchange":    cfg.Exchange.Name,
		"symbols":     strings.Join(cfg.Symbols, ","),
	}).Info("starting marketfeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		metrics.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}

	client, err := newClient(ctx, cfg.Exchange)
	if err != nil {
		log.WithError(err).Error("failed to create exchange client")
		os.Exit(1)
	}
	streaming := cfg.Exchange.WS.Enabled
	if err := reader.CheckCapabilities(client.Capabilities(), cfg.Timeframes, streaming); err != nil {
		log.WithError(err).Error("exchange cannot serve configuration")
		os.Exit(1)
	}

	p := cfg.Pipeline
	dataCache := cache.New(config.Seconds(p.CacheTTLSeconds), nil)
	fetch := fetcher.NewFetcher(fetcher.NewRateLimiter(p.MaxRequestsPerSecond), fetcher.RetryPolicy{
		MaxAttempts: p.RetryMaxAttempts,
		Delay:       config.Seconds(p.RetryDelaySeconds),
		Exponential: p.RetryExponentialBackoff,
	})
	normalizer := processor.NewNormalizer(client.Exchange())
	validator := processor.NewValidator(processor.ValidationConfig{
		MinOHLCVCandles:    p.MinOHLCVCandles,
		MaxOHLCVAge:        config.Seconds(p.MaxOHLCVAgeSeconds),
		MinOrderbookLevels: p.MinOrderbookLevels,
		MaxOrderbookAge:    config.Seconds(p.MaxOrderbookAgeSeconds),
		MinTradesCount:     p.MinTradesCount,
		MaxTradesAge:       config.Seconds(p.MaxTradesAgeSeconds),
	}, nil)

	reports := []metrics.ReportSource{fetch.Report, client.Transport().Report}

	consumers := []writer.Consumer{writer.NewLogConsumer()}
	var redisPublisher *writer.RedisPublisher
	if cfg.Redis.Enabled {
		redisPublisher = writer.NewRedisPublisher(cfg.Redis, config.Seconds(p.CacheTTLSeconds), 0)
		if err := redisPublisher.Start(ctx); err != nil {
			log.WithComponent("main").WithError(err).Warn("redis unavailable; snapshots will not be published")
			redisPublisher = nil
		} else {
			consumers = append(consumers, redisPublisher)
			reports = append(reports, redisPublisher.Report)
		}
	}
	consumer := writer.NewFanout(consumers...)

	var (
		channels *channel.Channels
		feed     *stream.Feed
		manager  *subscription.Manager
		subs     monitor.SubscriptionSource
	)
	if streaming {
		channels = channel.NewChannels(client.Exchange(), cfg.Channels.RawBuffer)
		feed = stream.NewFeed(stream.Config{
			Exchange:       client.Exchange(),
			OrderbookDepth: cfg.Limits.Orderbook,
			TradeLimit:     cfg.Limits.Trades,
			CandleLimit:    cfg.Limits.OHLCV,
		}, channels, normalizer, validator, dataCache)
		if err := feed.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start stream feed")
			os.Exit(1)
		}
		if err := client.StartStream(ctx); err != nil {
			log.WithError(err).Error("failed to start websocket")
			os.Exit(1)
		}

		manager = subscription.NewManager(client, subscription.Config{
			HeartbeatInterval: config.Seconds(p.HeartbeatIntervalSeconds),
			HeartbeatTimeout:  config.Seconds(p.HeartbeatTimeoutSeconds),
		}, feed.Handle, nil)
		if err := manager.Subscribe(ctx, streamChannels(cfg.Symbols, cfg.Timeframes)...); err != nil {
			// Failed channels stay registered and are retried by the heartbeat check.
			log.WithComponent("main").WithError(err).Warn("some subscriptions failed")
		}
		if err := manager.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start subscription manager")
			os.Exit(1)
		}
		subs = manager
		reports = append(reports, feed.Report, channels.Report, manager.Report)
		metrics.StartBufferMetrics(ctx, 10*time.Second, channels)
	} else {
		log.WithComponent("main").Info("websocket disabled; running REST cycles only")
	}

	health := monitor.NewHealth(monitor.HealthConfig{
		CriticalAfter: cfg.Monitor.CriticalAfter,
		Symbols:       cfg.Symbols,
	}, dataCache, subs, consumer)

	loop := monitor.NewLoop(monitor.Deps{
		Client:     client,
		Fetcher:    fetch,
		Cache:      dataCache,
		Normalizer: normalizer,
		Validator:  validator,
		Consumer:   consumer,
		Health:     health,
		Symbols:    cfg.Symbols,
	}, monitor.Config{
		Interval:     config.Seconds(p.MonitorIntervalSeconds),
		Concurrency:  cfg.Monitor.Concurrency,
		ErrorBackoff: cfg.Monitor.ErrorBackoff,
		Timeframes:   cfg.Timeframes,
		Limits: monitor.Limits{
			OHLCV:     cfg.Limits.OHLCV,
			Orderbook: cfg.Limits.Orderbook,
			Trades:    cfg.Limits.Trades,
		},
		ShutdownTimeout: cfg.Monitor.ShutdownTimeout,
	}, nil)
	if err := loop.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start monitor loop")
		os.Exit(1)
	}
	reports = append(reports, loop.Report, health.Report)

	sources := status.Sources{
		Health:    health,
		Cycles:    loop,
		Cache:     dataCache,
		Fetcher:   fetch,
		Validator: validator,
		Symbols:   cfg.Symbols,
	}
	if manager != nil {
		sources.Subscriptions = manager
	}
	statusServer, err := status.NewServer(cfg.Status, log, sources)
	if err != nil {
		log.WithError(err).Error("failed to create status server")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	statusCtx, stopStatus := context.WithCancel(ctx)
	if statusServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusServer.Run(statusCtx); err != nil {
				log.WithError(err).Warn("status server stopped")
			}
		}()
	}

	reportInterval := cfg.Logging.ReportInterval
	if reportInterval <= 0 && strings.ToLower(cfg.Logging.Level) == "report" {
		reportInterval = 30 * time.Second
	}
	metrics.StartReport(ctx, log, reportInterval, reports...)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	log.Info("stopping monitor loop")
	loop.Stop()

	if manager != nil {
		log.Info("stopping subscription manager")
		manager.Stop()
		log.Info("stopping websocket")
		client.StopStream()
		log.Info("stopping stream feed")
		feed.Stop()
		channels.Close()
	}

	if redisPublisher != nil {
		log.Info("stopping redis publisher")
		redisPublisher.Stop()
	}

	stopStatus()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(cfg.Monitor.ShutdownTimeout + 5*time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketfeed stopped")
}
