// Package main provides the entry point for the signal relay.
// It listens to Telegram signal groups, filters and parses the messages
// into trade signals, and serves the results over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/signal-relay/internal/admin"
	"github.com/atlas-desktop/signal-relay/internal/api"
	"github.com/atlas-desktop/signal-relay/internal/config"
	"github.com/atlas-desktop/signal-relay/internal/data"
	"github.com/atlas-desktop/signal-relay/internal/events"
	"github.com/atlas-desktop/signal-relay/internal/metrics"
	"github.com/atlas-desktop/signal-relay/internal/pipeline"
	"github.com/atlas-desktop/signal-relay/internal/pricing"
	"github.com/atlas-desktop/signal-relay/internal/signals"
	"github.com/atlas-desktop/signal-relay/internal/telegram"
	"github.com/atlas-desktop/signal-relay/internal/workers"
	"github.com/atlas-desktop/signal-relay/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", getEnvOrDefault("SIGNAL_RELAY_CONFIG", ""), "Path to a YAML config file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides app.log_level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// logger is not configured yet
		bootstrap := setupLogger("info")
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	level := cfg.App.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := setupLogger(level)
	defer logger.Sync()

	logger.Info("Starting signal relay",
		zap.String("env", cfg.App.Env),
		zap.String("config", *configPath),
		zap.Int("groups", len(cfg.Telegram.Groups)),
		zap.Bool("invertSignals", cfg.Parser.InvertSignals),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := config.NewProvider(logger, cfg)
	provider.OnChange(func(c *config.Config) {
		logger.Info("Parser settings changed",
			zap.Bool("invertSignals", c.Parser.InvertSignals),
			zap.Float64("defaultRiskPercent", c.Parser.DefaultRiskPercent),
		)
	})
	if *configPath != "" {
		if err := provider.Watch(*configPath); err != nil {
			logger.Warn("Config hot reload disabled", zap.Error(err))
		}
	}

	m := metrics.New()

	// Market prices
	var prices signals.PriceLookup = pricing.NewBybitClient(logger, cfg.Pricing)
	var redisStore *pricing.RedisStore
	var priceCache api.HealthChecker
	if cfg.Redis.Enabled {
		redisStore = pricing.NewRedisStore(logger, cfg.Redis)
		cacheConfig := pricing.DefaultCacheConfig()
		if cfg.Pricing.CacheTTL > 0 {
			cacheConfig.TTL = cfg.Pricing.CacheTTL
		}
		cached := pricing.NewCachedLookup(logger, prices, redisStore, cacheConfig)
		prices = cached
		priceCache = cached
	}
	prices = pricing.WithTimeout(prices, cfg.Parser.PriceTimeout)

	// Telegram transport
	var client *telegram.Client
	var sender telegram.Sender
	if cfg.Telegram.BotToken != "" {
		client, err = telegram.NewClient(logger, cfg.Telegram.APIBaseURL, cfg.Telegram.BotToken, cfg.Telegram.PollTimeout)
		if err != nil {
			logger.Fatal("Failed to connect Telegram bot", zap.Error(err))
		}
		sender = client
	}
	notifier := telegram.NewNotifier(logger, sender, cfg.Telegram.LogChatID, cfg.Telegram.NotifyRatePerSecond)

	// Event bus
	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	bus.Subscribe(events.EventTypeAdminCommand, func(e events.Event) error {
		if ev, ok := e.(*events.AdminCommandEvent); ok && !ev.Allowed {
			logger.Warn("Rejected admin command", zap.Int64("userId", ev.UserID), zap.String("command", ev.Command))
		}
		return nil
	})

	// Signal processing
	filter := signals.NewSpamFilter(logger)
	parser := signals.NewParser(logger, prices,
		signals.WithNotifier(notifier),
		signals.WithFallbackRecorder(m),
	)
	dryRunParser := signals.NewParser(logger, prices)
	handler := signals.NewSignalHandler(logger, signals.DefaultHandlerConfig())
	monitor := signals.NewGroupMonitor(logger, cfg.Monitor, cfg.Telegram.Groups,
		signals.WithMonitorNotifier(notifier),
		signals.WithHealthRecorder(m),
		signals.WithAlertHandler(func(alert signals.Alert) {
			bus.Publish(events.NewGroupAlertEvent(alert))
		}),
	)

	journal, err := openJournal(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("Failed to open signal journal", zap.Error(err))
	}

	dispatcher := admin.NewDispatcher(logger, provider, handler, monitor, filter, dryRunParser,
		func(userID int64, command string, allowed bool) {
			bus.Publish(events.NewAdminCommandEvent(userID, command, allowed))
		})

	relay := pipeline.New(logger, pipeline.Deps{
		Config:  provider,
		Filter:  filter,
		Parser:  parser,
		Handler: handler,
		Monitor: monitor,
		Journal: journal,
		Metrics: m,
		Bus:     bus,
		Admin:   dispatcher,
		Replier: notifier,
	})

	// Worker pool
	poolConfig := workers.DefaultPoolConfig("messages")
	poolConfig.NumWorkers = cfg.Telegram.Workers
	poolConfig.TaskTimeout = cfg.Parser.PriceTimeout + 10*time.Second
	pool := workers.NewPool(logger, poolConfig)
	pool.Start()

	var listener *telegram.Listener
	if client != nil {
		listener = telegram.NewListener(logger, client, pool,
			func(ctx context.Context, msg types.InboundMessage) {
				relay.Process(ctx, msg)
			},
			telegram.ListenerConfig{
				Groups:      cfg.Telegram.Groups,
				AdminIDs:    cfg.Telegram.AdminIDs,
				PollTimeout: cfg.Telegram.PollTimeout,
			})
	}

	// API server
	hub := api.NewHub(logger)
	server := api.NewServer(logger, cfg.Server, api.Deps{
		Settings:   provider,
		Handler:    handler,
		Monitor:    monitor,
		Filter:     filter,
		Parser:     dryRunParser,
		Hub:        hub,
		Journal:    journal,
		Metrics:    m,
		Pool:       pool,
		PriceCache: priceCache,
	})
	server.Forward(bus)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(server.Start)
	if listener != nil {
		g.Go(func() error { return listener.Run(gctx) })
	} else {
		logger.Warn("No bot token configured, Telegram listener disabled")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case <-gctx.Done():
		logger.Error("Component stopped unexpectedly")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Component error", zap.Error(err))
	}

	if err := pool.Stop(); err != nil {
		logger.Error("Failed to stop worker pool", zap.Error(err))
	}
	bus.Stop()
	if err := journal.Close(); err != nil {
		logger.Error("Failed to close journal", zap.Error(err))
	}
	if redisStore != nil {
		redisStore.Close()
	}

	stopFields := []zap.Field{
		zap.Any("pool", pool.Stats()),
		zap.Any("notifier", notifier.Stats()),
		zap.Any("events", bus.GetStats()),
	}
	if listener != nil {
		stopFields = append(stopFields, zap.Any("listener", listener.Stats()))
	}
	logger.Info("Signal relay stopped", stopFields...)
}

// openJournal returns the Postgres journal when enabled, else the file journal.
func openJournal(ctx context.Context, logger *zap.Logger, cfg *config.Config) (data.Journal, error) {
	if !cfg.Postgres.Enabled {
		return data.NewFileJournal(logger, cfg.Journal.Dir)
	}
	journal, err := data.NewPostgresJournal(ctx, logger, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if err := journal.EnsureSchema(ctx); err != nil {
		journal.Close()
		return nil, err
	}
	return journal, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
