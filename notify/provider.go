// Package notify delivers availability alerts to subscribers.
package notify

import (
	"context"
	"log/slog"
)

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Send delivers an HTML formatted message to a single recipient.
	Send(ctx context.Context, recipient, htmlMessage string) error
}

// MockProvider logs messages instead of sending them. Used for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(_ context.Context, recipient, htmlMessage string) error {
	m.logger.Info("MOCK MESSAGE",
		"chat_id", recipient,
		"body_length", len(htmlMessage))
	return nil
}
