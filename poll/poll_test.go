package poll

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ielts-monitor/config"
	"ielts-monitor/pkg/ielts"
	"ielts-monitor/scraper"
	"ielts-monitor/state"
	"ielts-monitor/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func page(available bool, date string) string {
	class := "available"
	if !available {
		class = "disabled"
	}
	return `<html><body><div class="exams">
<a class="exam__item ielts ` + class + `" href="#">
  <time><span>` + date + `</span></time>
  <span class="farsi_date">۱۴۰۴/۰۸/۱۹</span>
  <div class="exam__time">ظهر (۱۳:۳۰ - ۱۶:۳۰)</div>
  <div class="exam__title"><h5>اصفهان (ایده نواندیش)</h5></div>
  <span class="exam__type">cdielts - (Ac/Gt)</span>
  <span class="exam__price">۲۹۱,۱۱۵,۰۰۰ ریال</span>
</a>
</div></body></html>`
}

// scriptedFetcher returns pages[i] on the i-th cycle for every query.
type scriptedFetcher struct {
	pages []string
	calls int
	err   error
}

func (f *scriptedFetcher) FetchAll(ctx context.Context, queries []ielts.Query) ([]scraper.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	html := f.pages[min(f.calls, len(f.pages)-1)]
	f.calls++
	docs := make([]scraper.Document, 0, len(queries))
	for _, q := range queries {
		docs = append(docs, scraper.Document{URL: scraper.URL("https://irsafam.org/ielts/timetable", q), HTML: html})
	}
	return docs, nil
}

type countingDispatcher struct {
	mu    sync.Mutex
	fail  bool
	slots []ielts.Slot
}

func (d *countingDispatcher) Name() string { return "counting" }

func (d *countingDispatcher) Dispatch(_ context.Context, slot ielts.Slot) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots = append(d.slots, slot)
	return !d.fail
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

type recordingHistory struct {
	identities []string
}

func (h *recordingHistory) Record(_ context.Context, _ ielts.Slot, identity, _ string) error {
	h.identities = append(h.identities, identity)
	return nil
}

type fakeMetrics struct {
	cycles, fetchFailures int
	results               map[string]int
	available, unavail    int
}

func (m *fakeMetrics) CycleCompleted() { m.cycles++ }
func (m *fakeMetrics) SlotsObserved(a, u int) {
	m.available, m.unavail = a, u
}
func (m *fakeMetrics) Notification(result string) {
	if m.results == nil {
		m.results = make(map[string]int)
	}
	m.results[result]++
}
func (m *fakeMetrics) FetchFailed() { m.fetchFailures++ }

func oneQuery() config.Monitoring {
	return config.Monitoring{Cities: []string{"isfahan"}, ExamModels: []string{"cdielts"}}
}

func newTracker(t *testing.T) (*state.Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notification_state.json")
	tr := state.New(storage.NewFile(path, testLogger()), nil, testLogger())
	if err := tr.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return tr, path
}

func TestNoDuplicateNotification(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t)
	fetcher := &scriptedFetcher{pages: []string{page(true, "2025-11-10")}}
	disp := &countingDispatcher{}
	m := New(oneQuery(), fetcher, tracker, disp, testLogger())

	for i := range 3 {
		if _, err := m.CheckAll(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}

	if disp.count() != 1 {
		t.Errorf("dispatch count = %d, want 1", disp.count())
	}
	if got := tracker.Stats().NotificationCount; got != 1 {
		t.Errorf("notification_count = %d, want 1", got)
	}
}

func TestRenotificationAfterGap(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t)
	fetcher := &scriptedFetcher{pages: []string{
		page(true, "2025-11-10"),
		page(false, "2025-11-10"),
		page(true, "2025-11-10"),
	}}
	disp := &countingDispatcher{}
	m := New(oneQuery(), fetcher, tracker, disp, testLogger())

	var cleared int
	for i := range 3 {
		s, err := m.CheckAll(ctx)
		if err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
		cleared += s.Cleared
	}

	if disp.count() != 2 {
		t.Errorf("dispatch count = %d, want 2", disp.count())
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}
}

func TestFailedDispatchRetriesNextCycle(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t)
	fetcher := &scriptedFetcher{pages: []string{page(true, "2025-11-10")}}
	disp := &countingDispatcher{fail: true}
	m := New(oneQuery(), fetcher, tracker, disp, testLogger())

	s, err := m.CheckAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Failed != 1 || s.Notified != 0 {
		t.Errorf("summary = %+v", s)
	}
	if tracker.Stats().NotifiedCount != 0 {
		t.Error("failed dispatch must not be recorded")
	}

	disp.fail = false
	s, err = m.CheckAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Notified != 1 || disp.count() != 2 {
		t.Errorf("second cycle summary = %+v, dispatches = %d", s, disp.count())
	}
}

func TestSummaryAndCollaborators(t *testing.T) {
	ctx := context.Background()
	tracker, path := newTracker(t)
	html := page(true, "2025-11-10") + page(false, "2025-11-17")
	fetcher := &scriptedFetcher{pages: []string{html}}
	disp := &countingDispatcher{}
	hist := &recordingHistory{}
	mt := &fakeMetrics{}

	cfg := config.Monitoring{Cities: []string{"tehran", "isfahan"}, ExamModels: []string{"cdielts"}}
	m := New(cfg, fetcher, tracker, disp, testLogger(), WithHistory(hist), WithMetrics(mt))

	s, err := m.CheckAll(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(s.CycleID) != 26 {
		t.Errorf("cycle id = %q", s.CycleID)
	}
	if s.Sources != 2 || len(s.Slots) != 4 || s.Available != 2 || s.Unavailable != 2 {
		t.Errorf("summary = %+v", s)
	}
	// The same logical slot from both cities is sent once.
	if s.Notified != 1 || disp.count() != 1 {
		t.Errorf("notified = %d, dispatches = %d", s.Notified, disp.count())
	}
	if !strings.HasPrefix(s.Slots[0].DisplayTime(), "Afternoon (") {
		t.Errorf("display time = %q", s.Slots[0].DisplayTime())
	}
	if s.Slots[0].Source == s.Slots[2].Source {
		t.Error("slots from different queries should keep their own source")
	}

	if len(hist.identities) != 1 || hist.identities[0] != state.Identity(s.Slots[0]) {
		t.Errorf("history = %v", hist.identities)
	}
	if mt.cycles != 1 || mt.available != 2 || mt.unavail != 2 || mt.results["sent"] != 1 {
		t.Errorf("metrics = %+v", mt)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	if !strings.Contains(string(data), state.Identity(s.Slots[0])) {
		t.Error("state file should contain the notified identity")
	}
	if tracker.Stats().LastCheck == nil {
		t.Error("last_check not set")
	}
}

func TestEmptyDocumentCountsFetchFailure(t *testing.T) {
	tracker, _ := newTracker(t)
	mt := &fakeMetrics{}
	m := New(oneQuery(), &scriptedFetcher{pages: []string{""}}, tracker, &countingDispatcher{}, testLogger(), WithMetrics(mt))

	s, err := m.CheckAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Slots) != 0 || mt.fetchFailures != 1 {
		t.Errorf("slots = %d, fetch failures = %d", len(s.Slots), mt.fetchFailures)
	}
}

func TestNotificationsDisabled(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t)
	fetcher := &scriptedFetcher{pages: []string{page(true, "2025-11-10")}}
	disp := &countingDispatcher{}
	m := New(oneQuery(), fetcher, tracker, disp, testLogger(), WithNotificationsDisabled())

	s, err := m.CheckAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if disp.count() != 0 || s.Available != 1 {
		t.Errorf("dispatches = %d, summary = %+v", disp.count(), s)
	}
	if !tracker.ShouldNotify(s.Slots[0]) {
		t.Error("slot should stay eligible while notifications are disabled")
	}
}

func TestRateLimitedSlotStaysEligible(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	tracker := state.New(storage.NewFile(path, testLogger()), state.NewLimiter(time.Hour, 0), testLogger())
	html := page(true, "2025-11-10") + page(true, "2025-11-17")
	disp := &countingDispatcher{}
	mt := &fakeMetrics{}
	m := New(oneQuery(), &scriptedFetcher{pages: []string{html}}, tracker, disp, testLogger(), WithMetrics(mt))

	s, err := m.CheckAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if disp.count() != 1 || s.Notified != 1 {
		t.Errorf("dispatches = %d, notified = %d", disp.count(), s.Notified)
	}
	if tracker.Stats().RateLimitViolations != 1 || mt.results["rate_limited"] != 1 {
		t.Errorf("violations = %d, metrics = %v", tracker.Stats().RateLimitViolations, mt.results)
	}
	if !tracker.ShouldNotify(s.Slots[1]) {
		t.Error("rate limited slot should remain eligible")
	}
}

func TestFetchErrorIsReturned(t *testing.T) {
	tracker, _ := newTracker(t)
	boom := errors.New("read sample: no such file")
	m := New(oneQuery(), &scriptedFetcher{err: boom}, tracker, &countingDispatcher{}, testLogger())

	if _, err := m.CheckAll(context.Background()); !errors.Is(err, boom) {
		t.Errorf("CheckAll() error = %v, want %v", err, boom)
	}
	if err := m.Run(context.Background(), time.Millisecond); !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want %v", err, boom)
	}
}

func TestCancelledBeforeSlots(t *testing.T) {
	tracker, _ := newTracker(t)
	disp := &countingDispatcher{}
	m := New(oneQuery(), &scriptedFetcher{pages: []string{page(true, "2025-11-10")}}, tracker, disp, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.CheckAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("CheckAll() error = %v, want context.Canceled", err)
	}
	if disp.count() != 0 {
		t.Error("no dispatch after cancellation")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	tracker, _ := newTracker(t)
	fetcher := &scriptedFetcher{pages: []string{page(true, "2025-11-10")}}
	m := New(oneQuery(), fetcher, tracker, &countingDispatcher{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

// ctxStore is an in-memory state document that refuses writes once ctx is
// cancelled, the way a Cloud Storage writer does.
type ctxStore struct {
	mu   sync.Mutex
	data []byte
}

func (s *ctxStore) Read(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, os.ErrNotExist
	}
	return s.data, nil
}

func (s *ctxStore) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

// interruptingDispatcher delivers the message and then cancels the cycle.
type interruptingDispatcher struct {
	countingDispatcher
	cancel context.CancelFunc
}

func (d *interruptingDispatcher) Dispatch(ctx context.Context, slot ielts.Slot) bool {
	ok := d.countingDispatcher.Dispatch(ctx, slot)
	d.cancel()
	return ok
}

func TestDeliveredSlotPersistsThroughInterrupt(t *testing.T) {
	store := &ctxStore{}
	fetcher := &scriptedFetcher{pages: []string{page(true, "2025-11-10")}}
	hist := &recordingHistory{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker := state.New(store, nil, testLogger())
	if err := tracker.Load(ctx); err != nil {
		t.Fatal(err)
	}
	disp := &interruptingDispatcher{cancel: cancel}
	m := New(oneQuery(), fetcher, tracker, disp, testLogger(), WithHistory(hist))
	if _, err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if disp.count() != 1 || len(hist.identities) != 1 {
		t.Fatalf("dispatches = %d, history = %d", disp.count(), len(hist.identities))
	}

	// Restart with the stored document: the slot must not be sent again.
	restarted := state.New(store, nil, testLogger())
	if err := restarted.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	again := &countingDispatcher{}
	s, err := New(oneQuery(), fetcher, restarted, again, testLogger()).CheckAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again.count() != 0 || s.Notified != 0 {
		t.Errorf("slot sent again after restart: dispatches = %d", again.count())
	}
}
