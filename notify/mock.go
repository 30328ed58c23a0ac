package notify

import (
	"context"
	"log/slog"
	"sync"
)

// MockMessage is one message captured by MockProvider.
type MockMessage struct {
	To   string
	Text string
}

// MockProvider is a mock provider for local development.
type MockProvider struct {
	logger *slog.Logger
	sent   []MockMessage
	mu     sync.Mutex
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(ctx context.Context, to, text string) error {
	m.logger.InfoContext(ctx, "MOCK MESSAGE",
		"to", to,
		"text", text)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, MockMessage{To: to, Text: text})
	return nil
}

// Sent returns a copy of every message sent so far.
func (m *MockProvider) Sent() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.sent...)
}
