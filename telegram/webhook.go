package telegram

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	tele "gopkg.in/telebot.v4"
)

const (
	secretHeader   = "X-Telegram-Bot-Api-Secret-Token"
	maxUpdateBytes = 1 << 20
)

// Webhook receives updates pushed by Telegram. It is both the bot's poller
// and the HTTP handler mounted at WebhookPath. Until the bot is started, and
// after it is stopped, valid requests are answered with 503 so Telegram
// redelivers them later.
type Webhook struct {
	logger *slog.Logger
	dest   chan<- tele.Update
	stop   <-chan struct{}
	secret string
	mu     sync.RWMutex
}

// NewWebhook creates a webhook that only accepts requests carrying secretToken.
func NewWebhook(secretToken string, logger *slog.Logger) *Webhook {
	return &Webhook{secret: secretToken, logger: logger}
}

// Poll implements tele.Poller. It hands the update channel to ServeHTTP and
// blocks until the bot stops.
func (w *Webhook) Poll(_ *tele.Bot, dest chan tele.Update, stop chan struct{}) {
	w.mu.Lock()
	w.dest, w.stop = dest, stop
	w.mu.Unlock()

	<-stop

	w.mu.Lock()
	w.dest, w.stop = nil, nil
	w.mu.Unlock()
}

func (w *Webhook) ready() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dest != nil
}

// ServeHTTP accepts one update.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(secretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
		w.logger.Warn("Rejected webhook request with bad secret", "remote_addr", r.RemoteAddr)
		http.Error(rw, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.mu.RLock()
	dest, stop := w.dest, w.stop
	w.mu.RUnlock()
	if dest == nil {
		http.Error(rw, "Bot not running", http.StatusServiceUnavailable)
		return
	}

	var update tele.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBytes)).Decode(&update); err != nil {
		w.logger.Warn("Failed to decode webhook update", "error", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	select {
	case dest <- update:
		rw.WriteHeader(http.StatusOK)
	case <-stop:
		http.Error(rw, "Bot stopping", http.StatusServiceUnavailable)
	case <-r.Context().Done():
	}
}
