package main

import (
	"cents-notifier/poll"
	"cents-notifier/scraper"
	"cents-notifier/telegram"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(envFrom(map[string]string{"TELEGRAM_BOT_TOKEN": " 123:abc "}))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Token != "123:abc" {
		t.Errorf("Token = %q, want trimmed token", cfg.Token)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.CalendarURL != scraper.DefaultURL {
		t.Errorf("CalendarURL = %q, want default", cfg.CalendarURL)
	}
	if cfg.Interval != poll.DefaultInterval {
		t.Errorf("Interval = %v, want %v", cfg.Interval, poll.DefaultInterval)
	}
	if cfg.SendRate != telegram.DefaultRate {
		t.Errorf("SendRate = %v, want %v", cfg.SendRate, telegram.DefaultRate)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.KeepState || cfg.MockDelivery {
		t.Error("boolean options should default to false")
	}
	if got := cfg.Storage.DriverName(); got != "none" {
		t.Errorf("storage driver = %q, want none", got)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(envFrom(map[string]string{
		"TELEGRAM_BOT_TOKEN":          "123:abc",
		"WEBHOOK_URL":                 "https://bot.example.com",
		"PORT":                        "9090",
		"CISIA_URL":                   "http://localhost:1234/calendar",
		"POLL_INTERVAL":               "1m",
		"SEND_RATE_PER_SEC":           "5",
		"LOG_LEVEL":                   "debug",
		"KEEP_STATE_ON_FETCH_FAILURE": "true",
		"SQLITE_PATH":                 "/data/subs.db",
	}))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.WebhookURL != "https://bot.example.com" || cfg.Port != "9090" {
		t.Errorf("webhook/port = %q/%q", cfg.WebhookURL, cfg.Port)
	}
	if cfg.CalendarURL != "http://localhost:1234/calendar" {
		t.Errorf("CalendarURL = %q", cfg.CalendarURL)
	}
	if cfg.Interval != time.Minute {
		t.Errorf("Interval = %v, want 1m", cfg.Interval)
	}
	if cfg.SendRate != 5 {
		t.Errorf("SendRate = %v, want 5", cfg.SendRate)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if !cfg.KeepState {
		t.Error("KeepState = false, want true")
	}
	if got := cfg.Storage.DriverName(); got != "sqlite" {
		t.Errorf("storage driver = %q, want sqlite", got)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "missing token",
			env:  map[string]string{},
			want: "TELEGRAM_BOT_TOKEN",
		},
		{
			name: "bad interval",
			env:  map[string]string{"TELEGRAM_BOT_TOKEN": "x", "POLL_INTERVAL": "often"},
			want: "POLL_INTERVAL",
		},
		{
			name: "negative interval",
			env:  map[string]string{"TELEGRAM_BOT_TOKEN": "x", "POLL_INTERVAL": "-5s"},
			want: "POLL_INTERVAL",
		},
		{
			name: "bad rate",
			env:  map[string]string{"TELEGRAM_BOT_TOKEN": "x", "SEND_RATE_PER_SEC": "0"},
			want: "SEND_RATE_PER_SEC",
		},
		{
			name: "bad log level",
			env:  map[string]string{"TELEGRAM_BOT_TOKEN": "x", "LOG_LEVEL": "loud"},
			want: "LOG_LEVEL",
		},
		{
			name: "bad bool",
			env:  map[string]string{"MOCK_DELIVERY": "sometimes"},
			want: "MOCK_DELIVERY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(envFrom(tt.env))
			if err == nil {
				t.Fatal("loadConfig() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("loadConfig() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadConfigMockDeliveryWithoutToken(t *testing.T) {
	cfg, err := loadConfig(envFrom(map[string]string{"MOCK_DELIVERY": "true"}))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if !cfg.MockDelivery || cfg.Token != "" {
		t.Errorf("cfg = %+v, want mock delivery without token", cfg)
	}
}
