// Package poll runs the fetch, extract and notify cycle.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"ielts-monitor/config"
	"ielts-monitor/metrics"
	"ielts-monitor/pkg/ielts"
	"ielts-monitor/scraper"
	"ielts-monitor/state"
)

// Fetcher returns one document per query, in query order.
type Fetcher interface {
	FetchAll(ctx context.Context, queries []ielts.Query) ([]scraper.Document, error)
}

// Tracker is the notification state.
type Tracker interface {
	ShouldNotify(slot ielts.Slot) bool
	RecordNotified(ctx context.Context, slot ielts.Slot) error
	MarkUnavailable(ctx context.Context, slot ielts.Slot) (bool, error)
	Touch(ctx context.Context) error
	Allow(ctx context.Context) (bool, error)
}

// Dispatcher sends notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, slot ielts.Slot) bool
	Name() string
}

// History records delivered notifications.
type History interface {
	Record(ctx context.Context, slot ielts.Slot, identity, transport string) error
}

// Metrics receives cycle counters.
type Metrics interface {
	CycleCompleted()
	SlotsObserved(available, unavailable int)
	Notification(result string)
	FetchFailed()
}

// Summary describes one completed cycle.
type Summary struct {
	CycleID     string       `json:"cycle_id"`
	Sources     int          `json:"sources"`
	Slots       []ielts.Slot `json:"slots"`
	Available   int          `json:"available"`
	Unavailable int          `json:"unavailable"`
	Notified    int          `json:"notified"`
	Failed      int          `json:"failed"`
	Cleared     int          `json:"cleared"`
}

// Monitor handles exam slot polling.
type Monitor struct {
	fetcher    Fetcher
	tracker    Tracker
	dispatcher Dispatcher
	history    History
	metrics    Metrics
	cfg        config.Monitoring
	silent     bool
	logger     *slog.Logger
	now        func() time.Time

	cycleMu sync.Mutex
}

// Option configures optional Monitor collaborators.
type Option func(*Monitor)

// WithHistory records every delivered notification in h.
func WithHistory(h History) Option {
	return func(m *Monitor) { m.history = h }
}

// WithMetrics reports cycle counters to mt.
func WithMetrics(mt Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithNotificationsDisabled keeps state transitions running but never sends.
func WithNotificationsDisabled() Option {
	return func(m *Monitor) { m.silent = true }
}

// New creates a new poll monitor.
func New(cfg config.Monitoring, fetcher Fetcher, tracker Tracker, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		fetcher:    fetcher,
		tracker:    tracker,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAll runs one cycle over every configured query. Cycles never overlap.
// Only fetch failures that abort the whole cycle and cancellation are returned;
// per-slot storage and transport failures are logged.
func (m *Monitor) CheckAll(ctx context.Context) (Summary, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	summary := Summary{CycleID: ulid.Make().String()}
	logger := m.logger.With("cycle_id", summary.CycleID)

	queries := scraper.Queries(m.cfg, m.now())
	logger.Info("Starting slot check", "queries", len(queries), "timestamp", m.now().Format(time.RFC3339))

	docs, err := m.fetcher.FetchAll(ctx, queries)
	if err != nil {
		return summary, fmt.Errorf("fetch pages: %w", err)
	}
	summary.Sources = len(docs)

	for _, doc := range docs {
		if doc.HTML == "" {
			m.fetchFailed()
		}
		summary.Slots = append(summary.Slots, scraper.Extract(logger, doc.HTML, doc.URL)...)
	}

	for _, slot := range summary.Slots {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping slot check", "error", err)
			return summary, err
		}
		m.handle(ctx, logger, slot, &summary)
	}

	if err := m.tracker.Touch(ctx); err != nil {
		logger.Warn("Failed to record check time", "error", err)
	}
	if m.metrics != nil {
		m.metrics.SlotsObserved(summary.Available, summary.Unavailable)
		m.metrics.CycleCompleted()
	}

	logger.Info("Slot check completed",
		"sources", summary.Sources,
		"total_slots", len(summary.Slots),
		"available", summary.Available,
		"unavailable", summary.Unavailable,
		"notified", summary.Notified,
		"failed", summary.Failed,
		"cleared", summary.Cleared)

	return summary, nil
}

func (m *Monitor) handle(ctx context.Context, logger *slog.Logger, slot ielts.Slot, summary *Summary) {
	if !slot.Available {
		summary.Unavailable++
		cleared, err := m.tracker.MarkUnavailable(ctx, slot)
		if err != nil {
			logger.Warn("Failed to persist cleared slot", "date", slot.Date, "error", err)
		}
		if cleared {
			summary.Cleared++
		}
		return
	}

	summary.Available++
	if !m.tracker.ShouldNotify(slot) {
		logger.Debug("Slot already notified", "date", slot.Date, "location", slot.DisplayLocation())
		return
	}
	if m.silent {
		logger.Debug("Notifications disabled, not sending", "date", slot.Date)
		return
	}

	allowed, err := m.tracker.Allow(ctx)
	if err != nil {
		logger.Warn("Failed to persist rate limit violation", "error", err)
	}
	if !allowed {
		m.notification(metrics.ResultRateLimited)
		return
	}

	if !m.dispatcher.Dispatch(ctx, slot) {
		summary.Failed++
		m.notification(metrics.ResultFailed)
		logger.Warn("Notification not delivered, will retry next cycle",
			"date", slot.Date,
			"location", slot.DisplayLocation())
		return
	}

	summary.Notified++
	m.notification(metrics.ResultSent)
	if err := m.tracker.RecordNotified(ctx, slot); err != nil {
		logger.Error("Failed to persist notified slot", "date", slot.Date, "error", err)
	}
	if m.history != nil {
		if err := m.history.Record(context.WithoutCancel(ctx), slot, state.Identity(slot), m.dispatcher.Name()); err != nil {
			logger.Warn("Failed to record notification history", "error", err)
		}
	}
}

func (m *Monitor) notification(result string) {
	if m.metrics != nil {
		m.metrics.Notification(result)
	}
}

func (m *Monitor) fetchFailed() {
	if m.metrics != nil {
		m.metrics.FetchFailed()
	}
}

// Run checks continuously, waiting interval between cycles. It returns nil
// when ctx is cancelled and an error when a cycle fails for any other reason.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	m.logger.Info("Starting continuous monitoring", "interval", interval.String())

	for {
		if _, err := m.CheckAll(ctx); err != nil {
			if ctx.Err() != nil {
				m.logger.Info("Monitoring stopped")
				return nil
			}
			return fmt.Errorf("check slots: %w", err)
		}

		m.logger.Info("Waiting for next check",
			"interval", interval.String(),
			"next_check", m.now().Add(interval).Format(time.RFC3339))

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("Monitoring stopped")
			return nil
		case <-timer.C:
		}
	}
}
