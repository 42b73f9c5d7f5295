// Package scraper handles fetching IELTS timetable pages and extracting exam slots.
package scraper

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/codeGROOVE-dev/retry"

	"ielts-monitor/config"
	"ielts-monitor/pkg/ielts"
)

// Document is one fetched timetable page.
type Document struct {
	URL  string
	HTML string // empty when the page could not be fetched
}

// HTTPStatusError is returned for non-OK responses.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsClientError reports whether err is a 4xx response other than 429.
// Those are not worth retrying.
func IsClientError(err error) bool {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests
}

// Scraper fetches timetable pages.
type Scraper struct {
	client *http.Client
	cfg    config.Scraper
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewClient returns an HTTP client configured for the timetable site.
func NewClient(cfg config.Scraper) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	rt := cloudflarebp.AddCloudFlareByPass(base)
	if cfg.NoSSLVerify {
		// The bypass replaces base's TLS config, so this must come after it.
		if base.TLSClientConfig == nil {
			base.TLSClientConfig = &tls.Config{}
		}
		base.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // opt-in via --no-ssl-verify
	}
	return &http.Client{Transport: rt, Timeout: cfg.Timeout()}
}

// New creates a new scraper.
func New(client *http.Client, cfg config.Scraper, logger *slog.Logger) *Scraper {
	return &Scraper{
		client: client,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Queries expands the monitoring configuration into the ordered list of
// page queries: cities, then exam models, then months.
func Queries(m config.Monitoring, now time.Time) []ielts.Query {
	var queries []ielts.Query
	for _, city := range m.Cities {
		for _, model := range m.ExamModels {
			if len(m.Months) == 0 {
				queries = append(queries, ielts.Query{City: city, ExamModel: model})
				continue
			}
			for _, month := range m.Months {
				queries = append(queries, ielts.Query{City: city, ExamModel: model, Month: FormatMonth(month, now)})
			}
		}
	}
	return queries
}

// FormatMonth turns a month number into YYYY-MM, rolling over to next year
// when the month has already passed. Other values pass through unchanged.
func FormatMonth(month string, now time.Time) string {
	n, err := strconv.Atoi(month)
	if err != nil || n < 1 || n > 12 {
		return month
	}
	year := now.Year()
	if n < int(now.Month()) {
		year++
	}
	return fmt.Sprintf("%d-%02d", year, n)
}

// URL builds the timetable URL for one query.
func URL(base string, q ielts.Query) string {
	v := url.Values{}
	v.Set("city[]", q.City)
	v.Set("model[]", q.ExamModel)
	if q.Month != "" {
		v.Set("month[]", q.Month)
	}
	return base + "?" + v.Encode()
}

// FetchAll fetches every query in order. A page that cannot be fetched after
// retries yields a Document with empty HTML rather than an error.
func (s *Scraper) FetchAll(ctx context.Context, queries []ielts.Query) ([]Document, error) {
	docs := make([]Document, 0, len(queries))
	for i, q := range queries {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.Delay()); err != nil {
				return docs, err
			}
		}

		pageURL := URL(s.cfg.BaseURL, q)
		html, err := s.fetch(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return docs, ctx.Err()
			}
			s.logger.Error("Failed to fetch page after retries", "url", pageURL, "query", q.String(), "error", err)
		}
		docs = append(docs, Document{URL: pageURL, HTML: html})
	}
	return docs, nil
}

func (s *Scraper) fetch(ctx context.Context, pageURL string) (string, error) {
	var body string

	attempts := uint(s.cfg.MaxRetries)
	if attempts == 0 {
		attempts = 1
	}
	jitter := s.cfg.Backoff() / 2
	if jitter < time.Millisecond {
		jitter = time.Millisecond
	}

	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting", "method", "GET", "url", pageURL)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", s.cfg.UserAgent)
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode != http.StatusOK {
				return &HTTPStatusError{URL: pageURL, StatusCode: resp.StatusCode}
			}

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			body = string(data)
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(s.cfg.Backoff()),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(jitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "url", pageURL, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsClientError(err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("after retries: %w", err)
	}

	return body, nil
}

// Sample serves one local HTML file for every query, for offline runs.
type Sample struct {
	path    string
	baseURL string
	logger  *slog.Logger
}

// NewSample creates a sample source reading path.
func NewSample(path, baseURL string, logger *slog.Logger) *Sample {
	return &Sample{path: path, baseURL: baseURL, logger: logger}
}

// FetchAll returns the sample file contents once per query.
func (s *Sample) FetchAll(ctx context.Context, queries []ielts.Query) ([]Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}
	docs := make([]Document, 0, len(queries))
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return docs, err
		}
		pageURL := URL(s.baseURL, q)
		s.logger.Info("Using sample HTML", "path", s.path, "query", q.String())
		docs = append(docs, Document{URL: pageURL, HTML: string(data)})
	}
	return docs, nil
}
