// Package state tracks which exam slots have already been notified and
// persists that record after every change.
package state

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ielts-monitor/pkg/ielts"
)

// Store reads and replaces the whole state document.
// Read returns an error wrapping fs.ErrNotExist when nothing was saved yet.
type Store interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// Identity returns the stable identity of a slot. It hashes the raw date,
// time, location and exam type; price and source do not take part.
func Identity(s ielts.Slot) string {
	sum := sha256.Sum256([]byte(s.Date + "_" + s.TimeOfDay + "_" + s.Location + "_" + s.ExamVariant))
	return hex.EncodeToString(sum[:])
}

// Tracker owns the notification state. All methods are safe for concurrent
// use; mutations are serialized and each ends with one whole-document write.
type Tracker struct {
	store   Store
	limiter Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu                  sync.Mutex
	notified            map[string]struct{}
	lastCheck           *time.Time
	lastNotification    *time.Time
	notificationCount   int
	rateLimitViolations int
}

// New creates a tracker with empty state. Call Load to read the stored document.
func New(store Store, limiter Limiter, logger *slog.Logger) *Tracker {
	if limiter == nil {
		limiter = Unlimited{}
	}
	return &Tracker{
		store:    store,
		limiter:  limiter,
		logger:   logger,
		now:      time.Now,
		notified: make(map[string]struct{}),
	}
}

// Load replaces the in-memory state with the stored document. A missing or
// corrupt document leaves the state empty and is not an error.
func (t *Tracker) Load(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clear()

	data, err := t.store.Read(ctx)
	if errors.Is(err, fs.ErrNotExist) {
		t.logger.Info("No notification state found, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}

	var doc ielts.State
	if err := json.Unmarshal(data, &doc); err != nil {
		t.logger.Error("Notification state is corrupt, starting fresh", "error", err)
		return nil
	}

	for _, id := range doc.NotifiedSlots {
		t.notified[id] = struct{}{}
	}
	t.lastCheck = doc.LastCheck
	t.lastNotification = doc.LastNotificationTime
	t.notificationCount = doc.NotificationCount
	t.rateLimitViolations = doc.RateLimitViolations

	t.logger.Info("Notification state loaded",
		"notified_slots", len(t.notified),
		"notification_count", t.notificationCount)
	return nil
}

// ShouldNotify reports whether slot is available and not yet notified.
func (t *Tracker) ShouldNotify(slot ielts.Slot) bool {
	if !slot.Available {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, seen := t.notified[Identity(slot)]
	return !seen
}

// RecordNotified marks slot as delivered. Call it only after the message
// was confirmed sent.
func (t *Tracker) RecordNotified(ctx context.Context, slot ielts.Slot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.limiter.Sent(now)
	t.notified[Identity(slot)] = struct{}{}
	t.notificationCount++
	t.lastNotification = &now
	t.lastCheck = &now

	return t.persist(ctx)
}

// MarkUnavailable forgets a previously notified slot so it is alerted again
// when it reopens. It reports whether anything was removed.
func (t *Tracker) MarkUnavailable(ctx context.Context, slot ielts.Slot) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := Identity(slot)
	if _, ok := t.notified[id]; !ok {
		return false, nil
	}
	delete(t.notified, id)
	t.logger.Info("Slot no longer available, cleared from state",
		"date", slot.Date,
		"location", slot.DisplayLocation())

	return true, t.persist(ctx)
}

// Touch records the time of a completed check.
func (t *Tracker) Touch(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.lastCheck = &now
	return t.persist(ctx)
}

// Allow consults the rate limiter without charging it; RecordNotified does
// that once delivery is confirmed. A denial is counted and persisted.
func (t *Tracker) Allow(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limiter.Allow(t.now()) {
		return true, nil
	}
	t.rateLimitViolations++
	t.logger.Warn("Notification rate limit reached", "violations", t.rateLimitViolations)
	return false, t.persist(ctx)
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() ielts.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return ielts.Stats{
		LastCheck:            copyTime(t.lastCheck),
		LastNotificationTime: copyTime(t.lastNotification),
		NotificationCount:    t.notificationCount,
		NotifiedCount:        len(t.notified),
		RateLimitViolations:  t.rateLimitViolations,
	}
}

// Reset clears all state and persists the empty document.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clear()
	t.logger.Info("Notification state reset")
	return t.persist(ctx)
}

func (t *Tracker) clear() {
	t.notified = make(map[string]struct{})
	t.lastCheck = nil
	t.lastNotification = nil
	t.notificationCount = 0
	t.rateLimitViolations = 0
}

// persist writes the whole document. Callers hold t.mu. The in-memory change
// has already happened, so the write is not abandoned when ctx is cancelled.
func (t *Tracker) persist(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	ids := make([]string, 0, len(t.notified))
	for id := range t.notified {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	doc := ielts.State{
		LastCheck:            t.lastCheck,
		LastNotificationTime: t.lastNotification,
		NotifiedSlots:        ids,
		NotificationCount:    t.notificationCount,
		RateLimitViolations:  t.rateLimitViolations,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := t.store.Write(ctx, buf.Bytes()); err != nil {
		t.logger.Error("Failed to persist notification state", "error", err)
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
