package state

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a notification may be sent at now. Allow only
// checks; Sent charges a delivered notification against the limits.
type Limiter interface {
	Allow(now time.Time) bool
	Sent(now time.Time)
}

// Unlimited allows every notification.
type Unlimited struct{}

// Allow always returns true.
func (Unlimited) Allow(time.Time) bool { return true }

// Sent does nothing.
func (Unlimited) Sent(time.Time) {}

// WindowLimiter enforces a minimum gap between sends and a cap on sends
// within any rolling hour. A zero value for either disables that check.
type WindowLimiter struct {
	mu      sync.Mutex
	gap     *rate.Limiter
	perHour int
	sent    []time.Time
}

// NewLimiter returns Unlimited when both limits are zero.
func NewLimiter(minInterval time.Duration, maxPerHour int) Limiter {
	if minInterval <= 0 && maxPerHour <= 0 {
		return Unlimited{}
	}
	l := &WindowLimiter{perHour: maxPerHour}
	if minInterval > 0 {
		l.gap = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return l
}

// Allow reports whether both limits permit a send at now.
func (l *WindowLimiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perHour > 0 {
		l.prune(now)
		if len(l.sent) >= l.perHour {
			return false
		}
	}
	return l.gap == nil || l.gap.TokensAt(now) >= 1
}

// Sent records a delivered notification at now.
func (l *WindowLimiter) Sent(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.gap != nil {
		l.gap.AllowN(now, 1)
	}
	if l.perHour > 0 {
		l.prune(now)
		l.sent = append(l.sent, now)
	}
}

func (l *WindowLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	recent := l.sent[:0]
	for _, t := range l.sent {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	l.sent = recent
}
