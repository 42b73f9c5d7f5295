package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ielts-monitor/metrics"
	"ielts-monitor/server"
)

func newScanCmd(opts *options, getenv func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one check cycle and print the slots found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts, getenv)
		},
	}
}

func runScan(cmd *cobra.Command, opts *options, getenv func(string) string) error {
	a, err := newApp(cmd, opts, getenv)
	if err != nil {
		return err
	}
	defer a.close()

	summary, err := a.monitor(nil).CheckAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("check slots: %w", err)
	}

	renderSlots(cmd.OutOrStdout(), summary.Slots, a.cfg.Monitoring.ShowUnavailable)
	fmt.Fprintf(cmd.OutOrStdout(), "%d available, %d unavailable, %d notified\n",
		summary.Available, summary.Unavailable, summary.Notified)
	return nil
}

func newMonitorCmd(opts *options, getenv func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Check continuously until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts, getenv)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			mt := metrics.New()
			monitor := a.monitor(mt)

			if a.cfg.Server.Listen != "" {
				srv := server.New(&server.Config{
					Poller:  monitor,
					Tracker: a.tracker,
					History: historyOrNil(a),
					Metrics: mt.Handler(),
					Logger:  a.logger,
				})
				go func() {
					if err := srv.ListenAndServe(ctx, a.cfg.Server.Listen); err != nil {
						a.logger.Error("HTTP server stopped", "error", err)
					}
				}()
			}

			if err := monitor.Run(ctx, a.cfg.Monitoring.CheckInterval()); err != nil {
				a.logger.Error("Monitoring failed", "error", err)
				return err
			}
			return nil
		},
	}
}

// historyOrNil avoids handing the server a typed nil.
func historyOrNil(a *app) server.History {
	if a.history == nil {
		return nil
	}
	return a.history
}

func newStatsCmd(opts *options, getenv func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print notification statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts, getenv)
			if err != nil {
				return err
			}
			defer a.close()

			renderStats(cmd.OutOrStdout(), a.tracker.Stats())
			return nil
		},
	}
}

func newResetCmd(opts *options, getenv func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear notification state so every open slot is notified again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts, getenv)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.tracker.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("reset state: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Notification state reset")
			return nil
		},
	}
}

func newHistoryCmd(opts *options, getenv func(string) string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List sent notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts, getenv)
			if err != nil {
				return err
			}
			defer a.close()

			if a.history == nil {
				return errors.New("no history database: set --history-db or history.path")
			}
			entries, err := a.history.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list history: %w", err)
			}
			renderHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries to show (0 for all)")
	return cmd
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
