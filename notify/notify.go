package notify

import (
	"cents-notifier/pkg/availability"
	"context"
	"errors"
	"log/slog"
	"time"
)

// Remover removes subscribers whose delivery failed.
type Remover interface {
	Remove(ctx context.Context, id string) error
}

// Notifier fans out alerts for new sessions to every subscriber.
type Notifier struct {
	provider Provider
	store    Remover
	logger   *slog.Logger
}

// New creates a notifier.
func New(provider Provider, store Remover, logger *slog.Logger) *Notifier {
	return &Notifier{
		provider: provider,
		store:    store,
		logger:   logger,
	}
}

// Notify sends one alert per record to each subscriber and returns the
// subscribers that failed at least one delivery. Those subscribers are removed
// from the store at the end of the pass: a failed delivery usually means the
// user blocked the bot or the chat no longer exists.
//
// If ctx is cancelled mid-pass the remaining deliveries are skipped and nobody
// is removed, since the failures say nothing about the recipients.
func (n *Notifier) Notify(ctx context.Context, records []*availability.Record, subscribers []string) []string {
	if len(records) == 0 || len(subscribers) == 0 {
		return nil
	}

	recipients := append([]string(nil), subscribers...)
	n.logger.Info("Alerting subscribers about new sessions",
		"new_sessions", len(records),
		"subscribers", len(recipients))

	start := time.Now()
	failed := make(map[string]int)
	var order []string
	var sent int

	for _, r := range records {
		msg := FormatAlert(r)
		for _, id := range recipients {
			if ctx.Err() != nil {
				n.interrupted(sent, ctx.Err())
				return nil
			}

			if err := n.provider.Send(ctx, id, msg); err != nil {
				if ctx.Err() != nil {
					n.interrupted(sent, err)
					return nil
				}
				if errors.Is(err, context.Canceled) {
					// Cancelled inside the provider; says nothing about the recipient.
					n.logger.Warn("Alert send cancelled", "chat_id", id, "session", r.Key(), "error", err)
					continue
				}
				n.logger.Warn("Failed to send alert",
					"chat_id", id,
					"session", r.Key(),
					"error", err)
				if failed[id] == 0 {
					order = append(order, id)
				}
				failed[id]++
				continue
			}
			sent++
			n.logger.Debug("Alert sent", "chat_id", id, "session", r.Key())
		}
	}

	if ctx.Err() != nil {
		n.interrupted(sent, ctx.Err())
		return nil
	}

	for _, id := range order {
		if err := n.store.Remove(ctx, id); err != nil {
			n.logger.Error("Failed to remove unreachable subscriber", "chat_id", id, "error", err)
			continue
		}
		n.logger.Info("Removed unreachable subscriber", "chat_id", id, "failed_deliveries", failed[id])
	}

	n.logger.Info("Notify pass completed",
		"sent", sent,
		"failed_subscribers", len(order),
		"duration_ms", time.Since(start).Milliseconds())

	return order
}

func (n *Notifier) interrupted(sent int, err error) {
	n.logger.Warn("Notify pass interrupted, skipping subscriber cleanup",
		"sent", sent,
		"error", err)
}
