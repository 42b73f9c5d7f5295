package telegram

import (
	"context"
	"log/slog"
	"sync"
)

// MockTransport records messages instead of sending them, for local runs.
type MockTransport struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []string
}

// NewMockTransport creates a new mock transport.
func NewMockTransport(logger *slog.Logger) *MockTransport {
	return &MockTransport{logger: logger}
}

// Name identifies the transport in logs.
func (*MockTransport) Name() string { return "mock" }

// Send logs the message instead of sending it.
func (m *MockTransport) Send(_ context.Context, text string) error {
	m.mu.Lock()
	m.sent = append(m.sent, text)
	m.mu.Unlock()

	m.logger.Info("MOCK TELEGRAM", "body_length", len(text))
	return nil
}

// Sent returns the messages seen so far.
func (m *MockTransport) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}
