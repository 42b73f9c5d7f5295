// Package telegram delivers slot notifications to a Telegram chat through a
// pluggable transport.
package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"ielts-monitor/pkg/ielts"
)

// Transport sends one formatted message to the configured chat.
type Transport interface {
	Send(ctx context.Context, text string) error
	Name() string
}

// Class groups transport failures by how the caller should react.
type Class int

const (
	// Other failures are logged; the slot is retried next cycle.
	Other Class = iota
	// RateLimited means the remote API asked us to slow down.
	RateLimited
	// Blocked means the destination will never accept messages this run.
	Blocked
)

func (c Class) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case Blocked:
		return "blocked"
	default:
		return "other"
	}
}

var (
	rateLimitedMarkers = []string{"retry after", "too many requests", "429"}
	blockedMarkers     = []string{"bot was blocked", "chat not found", "forbidden", "bot was kicked", "user is deactivated"}
)

// Classify inspects a transport error message.
func Classify(err error) Class {
	if err == nil {
		return Other
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitedMarkers {
		if strings.Contains(msg, m) {
			return RateLimited
		}
	}
	for _, m := range blockedMarkers {
		if strings.Contains(msg, m) {
			return Blocked
		}
	}
	return Other
}

// Sender formats and dispatches slot notifications.
type Sender struct {
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	disabled bool
}

// New creates a sender. A nil transport means notifications are not configured.
func New(transport Transport, logger *slog.Logger) *Sender {
	return &Sender{transport: transport, logger: logger}
}

// Name reports the active transport.
func (s *Sender) Name() string {
	if s.transport == nil {
		return "none"
	}
	return s.transport.Name()
}

// Dispatch sends a notification for slot and reports whether delivery was
// confirmed. It never retries; a false result leaves the slot eligible for
// the next cycle.
func (s *Sender) Dispatch(ctx context.Context, slot ielts.Slot) bool {
	if s.transport == nil {
		s.logger.Warn("Telegram not configured, skipping notification",
			"date", slot.Date,
			"location", slot.DisplayLocation())
		return false
	}

	s.mu.Lock()
	disabled := s.disabled
	s.mu.Unlock()
	if disabled {
		s.logger.Debug("Transport disabled for this run, skipping notification", "date", slot.Date)
		return false
	}

	s.logger.Info("Sending notification",
		"transport", s.transport.Name(),
		"date", slot.Date,
		"time", slot.DisplayTime(),
		"location", slot.DisplayLocation())

	err := s.transport.Send(ctx, FormatMessage(slot))
	if err == nil {
		s.logger.Info("Notification sent", "transport", s.transport.Name(), "date", slot.Date)
		return true
	}

	switch class := Classify(err); class {
	case RateLimited:
		s.logger.Warn("Telegram rate limit hit, will retry next cycle", "error", err)
	case Blocked:
		s.logger.Error("Telegram destination unreachable, disabling notifications for this run", "error", err)
		s.mu.Lock()
		s.disabled = true
		s.mu.Unlock()
	default:
		s.logger.Error("Failed to send notification", "class", class.String(), "error", err)
	}
	return false
}

// redact removes the bot token from err; transport errors often embed the request URL.
func redact(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
}
