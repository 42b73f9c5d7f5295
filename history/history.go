// Package history keeps an append-only SQLite log of delivered notifications.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"ielts-monitor/pkg/ielts"
)

// Entry is one delivered notification.
type Entry struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Date        string    `json:"date"`
	TimeOfDay   string    `json:"time_of_day"`
	Location    string    `json:"location"`
	ExamVariant string    `json:"exam_variant"`
	Price       string    `json:"price"`
	Source      string    `json:"source"`
	Transport   string    `json:"transport"`
	SentAt      time.Time `json:"sent_at"`
}

// Store writes notification history to a SQLite database.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS notifications (
		id           TEXT PRIMARY KEY,
		identity     TEXT NOT NULL,
		date         TEXT NOT NULL,
		time_of_day  TEXT NOT NULL,
		location     TEXT NOT NULL,
		exam_variant TEXT NOT NULL,
		price        TEXT NOT NULL,
		source       TEXT NOT NULL,
		transport    TEXT NOT NULL,
		sent_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_identity ON notifications(identity);
	`)
	return err
}

// NewID returns a time-ordered ULID string. IDs made within the same
// millisecond still sort in creation order.
func (s *Store) NewID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Record appends a delivered notification.
func (s *Store) Record(ctx context.Context, slot ielts.Slot, identity, transport string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, identity, date, time_of_day, location, exam_variant, price, source, transport, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.NewID(now), identity, slot.Date, slot.TimeOfDay, slot.Location,
		slot.ExamVariant, slot.Price, slot.Source, transport, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first. A limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, identity, date, time_of_day, location, exam_variant, price, source, transport, sent_at
		FROM notifications ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var sentAt string
		if err := rows.Scan(&e.ID, &e.Identity, &e.Date, &e.TimeOfDay, &e.Location,
			&e.ExamVariant, &e.Price, &e.Source, &e.Transport, &sentAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if e.SentAt, err = time.Parse(time.RFC3339Nano, sentAt); err != nil {
			return nil, fmt.Errorf("parse sent_at of %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
