// Package main implements a monitor that polls the IELTS timetable for open
// exam slots and sends Telegram notifications when new ones appear.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"ielts-monitor/config"
)

// options holds command-line flags. Zero values leave the configured setting alone.
type options struct {
	configPath      string
	cities          []string
	examModels      []string
	months          []string
	checkFrequency  int
	verbose         bool
	noSSLVerify     bool
	showUnavailable bool
	stateFile       string
	historyPath     string
	listen          string
	sample          string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Getenv).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "ielts-monitor",
		Short: "Watch the IELTS timetable and notify on newly available exam slots",
		Long: "ielts-monitor polls the exam timetable for each configured city, exam model and month,\n" +
			"and sends a Telegram message the first time a slot becomes available.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts, getenv)
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "config.json5", "Configuration file (a .local sibling is merged on top)")
	f.StringSliceVar(&opts.cities, "cities", nil, "Cities to monitor (comma separated)")
	f.StringSliceVar(&opts.examModels, "exam-models", nil, "Exam models to monitor, e.g. cdielts,pdielts")
	f.StringSliceVar(&opts.months, "months", nil, "Months to monitor as numbers (11,12) or YYYY-MM")
	f.IntVar(&opts.checkFrequency, "check-frequency", 0, "Seconds between checks in monitor mode")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Human-readable debug logging")
	f.BoolVar(&opts.noSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification")
	f.BoolVar(&opts.showUnavailable, "show-unavailable", false, "Include unavailable slots in scan output")
	f.StringVar(&opts.stateFile, "state-file", "", "Notification state file")
	f.StringVar(&opts.historyPath, "history-db", "", "SQLite database recording sent notifications")
	f.StringVar(&opts.listen, "listen", "", "Serve status endpoints on this address (monitor mode)")
	f.StringVar(&opts.sample, "sample", "", "Read this HTML file instead of fetching the site")

	root.AddCommand(
		newScanCmd(opts, getenv),
		newMonitorCmd(opts, getenv),
		newStatsCmd(opts, getenv),
		newResetCmd(opts, getenv),
		newHistoryCmd(opts, getenv),
	)
	return root
}

// newLogger writes JSON by default, or text at debug level when verbose.
// LOG_LEVEL adjusts the JSON handler's level.
func newLogger(w io.Writer, verbose bool, level string) *slog.Logger {
	if verbose {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	lvl := slog.LevelInfo
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
			lvl = slog.LevelInfo
		}
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// loadConfig layers the config file, the environment, then flags.
func (o *options) loadConfig(logger *slog.Logger, getenv func(string) string) (config.Config, error) {
	cfg, err := config.Load(o.configPath, logger)
	if err != nil {
		return config.Config{}, err
	}
	cfg = cfg.WithEnv(getenv)

	cfg, err = cfg.Override(config.Config{
		Monitoring: config.Monitoring{
			Cities:          o.cities,
			ExamModels:      o.examModels,
			Months:          o.months,
			CheckFrequency:  o.checkFrequency,
			ShowUnavailable: o.showUnavailable,
		},
		Scraper: config.Scraper{
			NoSSLVerify: o.noSSLVerify,
			SamplePath:  o.sample,
		},
		State:   config.State{Path: o.stateFile},
		History: config.History{Path: o.historyPath},
		Server:  config.Server{Listen: o.listen},
	})
	if err != nil {
		return config.Config{}, err
	}

	if cfg.Monitoring.CheckFrequency <= 0 {
		return config.Config{}, fmt.Errorf("check frequency must be positive, got %d", cfg.Monitoring.CheckFrequency)
	}
	return cfg, nil
}
