package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ielts-monitor/config"
	"ielts-monitor/history"
	"ielts-monitor/metrics"
	"ielts-monitor/poll"
	"ielts-monitor/scraper"
	"ielts-monitor/state"
	"ielts-monitor/storage"
	"ielts-monitor/telegram"
)

// app is the wired set of components for one command invocation.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	getenv  func(string) string
	tracker *state.Tracker
	history *history.Store // nil unless a history database is configured
	closers []func() error
}

// newApp loads configuration and notification state.
func newApp(cmd *cobra.Command, opts *options, getenv func(string) string) (*app, error) {
	ctx := cmd.Context()
	logger := newLogger(cmd.ErrOrStderr(), opts.verbose, getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	cfg, err := opts.loadConfig(logger, getenv)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, getenv: getenv}

	store, err := a.stateStore(ctx)
	if err != nil {
		return nil, err
	}
	limiter := state.NewLimiter(
		secondsToDuration(cfg.Notification.MinInterval),
		cfg.Notification.MaxPerHour)
	a.tracker = state.New(store, limiter, logger)
	if err := a.tracker.Load(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("load state: %w", err)
	}

	if cfg.History.Path != "" {
		h, err := history.Open(cfg.History.Path)
		if err != nil {
			// History is optional; the monitor still works without it.
			logger.Warn("Notification history unavailable", "path", cfg.History.Path, "error", err)
		} else {
			a.history = h
			a.closers = append(a.closers, h.Close)
		}
	}

	return a, nil
}

// stateStore prefers Cloud Storage when a bucket is configured.
func (a *app) stateStore(ctx context.Context) (state.Store, error) {
	if a.cfg.State.Bucket == "" {
		a.logger.Info("Using local state file", "path", a.cfg.State.Path)
		return storage.NewFile(a.cfg.State.Path, a.logger), nil
	}

	client, err := storage.NewGCSClient(ctx, a.getenv("GOOGLE_CREDENTIALS_JSON"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.logger.Info("Using Cloud Storage for state", "bucket", a.cfg.State.Bucket, "object", a.cfg.State.Object)
	return storage.NewGCS(client, a.cfg.State.Bucket, a.cfg.State.Object, a.logger), nil
}

// monitor wires the poll loop. mt may be nil.
func (a *app) monitor(mt *metrics.Metrics) *poll.Monitor {
	var fetcher poll.Fetcher
	if a.cfg.Scraper.SamplePath != "" {
		a.logger.Info("Using sample HTML instead of live site", "path", a.cfg.Scraper.SamplePath)
		fetcher = scraper.NewSample(a.cfg.Scraper.SamplePath, a.cfg.Scraper.BaseURL, a.logger)
	} else {
		if a.cfg.Scraper.NoSSLVerify {
			a.logger.Warn("TLS certificate verification disabled")
		}
		fetcher = scraper.New(scraper.NewClient(a.cfg.Scraper), a.cfg.Scraper, a.logger)
	}

	sender := telegram.New(telegram.Select(a.cfg.Telegram, a.logger), a.logger)

	var opts []poll.Option
	if a.history != nil {
		opts = append(opts, poll.WithHistory(a.history))
	}
	if mt != nil {
		opts = append(opts, poll.WithMetrics(mt))
	}
	if a.cfg.Notification.Disabled {
		a.logger.Info("Notifications disabled by configuration")
		opts = append(opts, poll.WithNotificationsDisabled())
	}

	return poll.New(a.cfg.Monitoring, fetcher, a.tracker, sender, a.logger, opts...)
}

func (a *app) close() {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Failed to release resources", "error", err)
	}
}
