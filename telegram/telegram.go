// Package telegram delivers alerts and receives commands through the Telegram Bot API.
package telegram

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

const (
	// DefaultRate is the Bot API's global limit for messages per second.
	DefaultRate = 25

	defaultAttempts  = 3
	defaultDelay     = 500 * time.Millisecond
	maxDelay         = 5 * time.Second
	longPollTimeout  = 10 * time.Second
	apiClientTimeout = 30 * time.Second
)

// ErrInvalidRecipient indicates a subscriber ID that is not a Telegram chat id.
var ErrInvalidRecipient = errors.New("invalid telegram chat id")

// Sender is the part of *tele.Bot used for delivery.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Provider sends HTML alerts to Telegram chats.
type Provider struct {
	sender   Sender
	limiter  *rate.Limiter
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithAttempts sets how many times a transient failure is tried.
func WithAttempts(n uint) ProviderOption {
	return func(p *Provider) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithRetryDelay sets the base backoff delay between attempts.
func WithRetryDelay(d time.Duration) ProviderOption {
	return func(p *Provider) { p.delay = d }
}

// NewProvider creates a provider that sends at most perSecond messages per second.
// A non-positive perSecond uses DefaultRate.
func NewProvider(sender Sender, perSecond float64, logger *slog.Logger, opts ...ProviderOption) *Provider {
	if perSecond <= 0 {
		perSecond = DefaultRate
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	p := &Provider{
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:   logger,
		attempts: defaultAttempts,
		delay:    defaultDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send delivers htmlMessage to the chat identified by recipient. Errors that
// cannot succeed on a later attempt (bot blocked, chat gone) are returned
// immediately; other errors are retried with exponential backoff.
func (p *Provider) Send(ctx context.Context, recipient, htmlMessage string) error {
	chat, err := ParseRecipient(recipient)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			_, err := p.sender.Send(chat, htmlMessage, tele.ModeHTML, tele.NoPreview)
			return err
		},
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.MaxDelay(maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(p.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("Retrying Telegram send",
				"attempt", n+1,
				"max_attempts", p.attempts,
				"chat_id", recipient,
				"error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !Permanent(err)
		}),
	)
}

// ParseRecipient converts a subscriber ID into a chat id.
func ParseRecipient(id string) (tele.ChatID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecipient, id)
	}
	return tele.ChatID(n), nil
}

// Permanent reports whether a delivery error means the chat can no longer be reached.
func Permanent(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRecipient),
		errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrNotStartedByUser):
		return true
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusForbidden
	}
	return false
}

// BotConfig configures the Telegram bot connection.
type BotConfig struct {
	Token      string
	WebhookURL string // public base URL; empty selects long polling
}

// WebhookPath returns the HTTP path the webhook is served on. It is derived
// from the token so the endpoint cannot be guessed.
func WebhookPath(token string) string {
	return "/telegram/" + secret(token)[:32]
}

func secret(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewBot connects to the Bot API. When cfg.WebhookURL is set the webhook is
// registered with Telegram and the returned handler must be mounted on the
// HTTP server at WebhookPath; otherwise it is nil and updates arrive by long
// polling.
func NewBot(cfg BotConfig, logger *slog.Logger) (*tele.Bot, *Webhook, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, nil, errors.New("telegram bot token required")
	}

	settings := tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: apiClientTimeout},
		OnError: func(err error, c tele.Context) {
			if c != nil && c.Chat() != nil {
				logger.Error("Telegram handler failed", "chat_id", c.Chat().ID, "error", err)
				return
			}
			logger.Error("Telegram bot error", "error", err)
		},
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.WebhookURL), "/")
	var webhook *Webhook
	if base != "" {
		webhook = NewWebhook(secret(cfg.Token), logger)
		settings.Poller = webhook
	} else {
		settings.Poller = &tele.LongPoller{Timeout: longPollTimeout}
	}

	bot, err := tele.NewBot(settings)
	if err != nil {
		return nil, nil, fmt.Errorf("create telegram bot: %w", err)
	}

	if webhook == nil {
		// A webhook left over from a previous deployment blocks getUpdates.
		if err := bot.RemoveWebhook(); err != nil {
			logger.Warn("Failed to remove existing webhook", "error", err)
		}
		logger.Info("Telegram bot using long polling", "username", bot.Me.Username)
		return bot, nil, nil
	}

	err = bot.SetWebhook(&tele.Webhook{
		SecretToken:    secret(cfg.Token),
		AllowedUpdates: []string{"message"},
		Endpoint:       &tele.WebhookEndpoint{PublicURL: base + WebhookPath(cfg.Token)},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("set telegram webhook: %w", err)
	}
	logger.Info("Telegram bot using webhook", "username", bot.Me.Username, "path", WebhookPath(cfg.Token))
	return bot, webhook, nil
}

// Run starts the bot and stops it when ctx is cancelled.
func Run(ctx context.Context, bot *tele.Bot, logger *slog.Logger) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		bot.Start()
	}()

	<-ctx.Done()
	logger.Info("Stopping Telegram bot")
	bot.Stop()
	<-done
	return nil
}
