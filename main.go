// Package main runs a service that watches the CISIA calendar for bookable
// CENT@CASA/HOME sessions and alerts Telegram subscribers when spots open.
package main

import (
	"cents-notifier/bot"
	"cents-notifier/notify"
	"cents-notifier/poll"
	"cents-notifier/scraper"
	"cents-notifier/server"
	"cents-notifier/storage"
	"cents-notifier/telegram"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	tele "gopkg.in/telebot.v4"
)

const httpClientTimeout = 30 * time.Second

type config struct {
	Storage      storage.Config
	Token        string
	WebhookURL   string
	Port         string
	CalendarURL  string
	Interval     time.Duration
	SendRate     float64
	LogLevel     slog.Level
	KeepState    bool
	MockDelivery bool
}

// loadConfig reads the configuration from environment variables.
func loadConfig(getenv func(string) string) (*config, error) {
	cfg := &config{
		Token:       strings.TrimSpace(getenv("TELEGRAM_BOT_TOKEN")),
		WebhookURL:  strings.TrimSpace(getenv("WEBHOOK_URL")),
		Port:        getenv("PORT"),
		CalendarURL: getenv("CISIA_URL"),
		Interval:    poll.DefaultInterval,
		SendRate:    telegram.DefaultRate,
		LogLevel:    slog.LevelInfo,
		Storage: storage.Config{
			Driver:          getenv("STORAGE_DRIVER"),
			Bucket:          getenv("STORAGE_BUCKET"),
			LocalPath:       getenv("LOCAL_STORAGE"),
			SQLitePath:      getenv("SQLITE_PATH"),
			RedisURL:        getenv("REDIS_URL"),
			CredentialsJSON: getenv("GOOGLE_CREDENTIALS_JSON"),
		},
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.CalendarURL == "" {
		cfg.CalendarURL = scraper.DefaultURL
	}

	var err error
	if cfg.MockDelivery, err = parseBool(getenv, "MOCK_DELIVERY"); err != nil {
		return nil, err
	}
	if cfg.KeepState, err = parseBool(getenv, "KEEP_STATE_ON_FETCH_FAILURE"); err != nil {
		return nil, err
	}

	if v := getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid POLL_INTERVAL %q: must be a positive duration such as 30s", v)
		}
		cfg.Interval = d
	}

	if v := getenv("SEND_RATE_PER_SEC"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("invalid SEND_RATE_PER_SEC %q: must be a positive number", v)
		}
		cfg.SendRate = r
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", v, err)
		}
	}

	if cfg.Token == "" && !cfg.MockDelivery {
		return nil, errors.New("TELEGRAM_BOT_TOKEN environment variable required (or set MOCK_DELIVERY=true)")
	}
	return cfg, nil
}

func parseBool(getenv func(string) string, key string) (bool, error) {
	v := getenv(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	store := storage.Open(ctx, cfg.Storage, logger)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close subscriber storage", "error", err)
		}
	}()

	fetcher := scraper.New(&http.Client{Timeout: httpClientTimeout}, logger, scraper.WithURL(cfg.CalendarURL))

	var (
		tgBot    *tele.Bot
		webhook  *telegram.Webhook
		provider notify.Provider
	)
	if cfg.Token != "" {
		var err error
		tgBot, webhook, err = telegram.NewBot(telegram.BotConfig{Token: cfg.Token, WebhookURL: cfg.WebhookURL}, logger)
		if err != nil {
			return err
		}
		bot.New(fetcher, store, logger, cfg.Interval).Register(tgBot)
		provider = telegram.NewProvider(tgBot, cfg.SendRate, logger)
	}
	if cfg.MockDelivery || provider == nil {
		logger.Info("Mock delivery enabled, alerts are logged instead of sent")
		provider = notify.NewMockProvider(logger)
	}

	monitor := poll.New(fetcher, store, notify.New(provider, store, logger), logger,
		poll.WithInterval(cfg.Interval),
		poll.WithKeepStateOnFailure(cfg.KeepState))

	srvCfg := &server.Config{
		Poller: monitor,
		Store:  store,
		Logger: logger,
	}
	if webhook != nil {
		srvCfg.Webhook = webhook
		srvCfg.WebhookPath = telegram.WebhookPath(cfg.Token)
	}
	srv := server.New(srvCfg)

	logger.Info("Starting CENT@CASA/HOME alert service",
		"calendar_url", cfg.CalendarURL,
		"poll_interval", cfg.Interval.String(),
		"storage", store.BackendName(),
		"webhook", webhook != nil,
		"mock_delivery", cfg.MockDelivery)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Port) })
	if tgBot != nil {
		g.Go(func() error { return telegram.Run(ctx, tgBot, logger) })
	}
	return g.Wait()
}
