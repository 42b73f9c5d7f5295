package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"ielts-monitor/history"
	"ielts-monitor/pkg/ielts"
	"ielts-monitor/poll"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakePoller struct {
	calls int
	err   error
}

func (p *fakePoller) CheckAll(context.Context) (poll.Summary, error) {
	p.calls++
	return poll.Summary{CycleID: "01JC0000000000000000000000", Available: 2, Unavailable: 1, Notified: 1}, p.err
}

type fakeTracker struct {
	stats  ielts.Stats
	resets int
	err    error
}

func (f *fakeTracker) Stats() ielts.Stats { return f.stats }

func (f *fakeTracker) Reset(context.Context) error {
	f.resets++
	return f.err
}

type fakeHistory struct{}

func (fakeHistory) List(context.Context, int) ([]history.Entry, error) {
	return []history.Entry{{Date: "2025-11-10", Location: "اصفهان (ایده نواندیش)", SentAt: time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)}}, nil
}

func newTestServer(p *fakePoller, tr *fakeTracker) http.Handler {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ielts_poll_cycles_total 3\n"))
	})
	return New(&Config{
		Poller:  p,
		Tracker: tr,
		History: fakeHistory{},
		Metrics: metrics,
		Logger:  testLogger(),
	}).Handler()
}

func TestMethodRestrictions(t *testing.T) {
	h := newTestServer(&fakePoller{}, &fakeTracker{})

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{http.MethodGet, "/stats", http.StatusOK},
		{http.MethodDelete, "/stats", http.StatusMethodNotAllowed},
		{http.MethodGet, "/pollz", http.StatusMethodNotAllowed},
		{http.MethodGet, "/reset", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestStats(t *testing.T) {
	last := time.Date(2025, 11, 1, 8, 0, 0, 0, time.UTC)
	tr := &fakeTracker{stats: ielts.Stats{LastCheck: &last, NotificationCount: 4, NotifiedCount: 2}}
	h := newTestServer(&fakePoller{}, tr)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["notification_count"] != float64(4) || got["notified_count"] != float64(2) {
		t.Errorf("stats = %v", got)
	}
	if got["last_check"] != "2025-11-01T08:00:00Z" || got["last_notification_time"] != nil {
		t.Errorf("timestamps = %v / %v", got["last_check"], got["last_notification_time"])
	}
}

func TestPoll(t *testing.T) {
	p := &fakePoller{}
	h := newTestServer(p, &fakeTracker{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pollz", nil))
	if w.Code != http.StatusOK || p.calls != 1 {
		t.Fatalf("status = %d, calls = %d", w.Code, p.calls)
	}
	if !strings.Contains(w.Body.String(), `"notified":1`) {
		t.Errorf("body = %s", w.Body.String())
	}

	p.err = errors.New("fetch pages: boom")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pollz", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status on failure = %d", w.Code)
	}
}

func TestReset(t *testing.T) {
	tr := &fakeTracker{}
	h := newTestServer(&fakePoller{}, tr)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/reset", nil))
	if w.Code != http.StatusOK || tr.resets != 1 {
		t.Fatalf("status = %d, resets = %d", w.Code, tr.resets)
	}

	tr.err = errors.New("write state: disk full")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/reset", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status on failure = %d", w.Code)
	}
}

func TestRootPage(t *testing.T) {
	h := newTestServer(&fakePoller{}, &fakeTracker{stats: ielts.Stats{NotificationCount: 7}})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	body := w.Body.String()
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing security headers")
	}
	for _, want := range []string{"IELTS Monitor", "<td>7</td>", "2025-11-10", "اصفهان", "never"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestMetricsOptional(t *testing.T) {
	h := New(&Config{Poller: &fakePoller{}, Tracker: &fakeTracker{}, Logger: testLogger()}).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without metrics", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("root without history = %d", w.Code)
	}
}

func TestListenAndServeShutdown(t *testing.T) {
	s := New(&Config{Poller: &fakePoller{}, Tracker: &fakeTracker{}, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
