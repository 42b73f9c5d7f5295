package storage

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFileReadMissing(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "state.json"), testLogger())
	_, err := f.Read(context.Background())
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Read() error = %v, want fs.ErrNotExist", err)
	}
}

func TestFileWriteReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	f := NewFile(path, testLogger())
	ctx := context.Background()

	for _, content := range []string{`{"notification_count":1}`, `{"notification_count":2}`} {
		if err := f.Write(ctx, []byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := f.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != content {
			t.Errorf("Read() = %q, want %q", got, content)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory holds %v, want only state.json", names)
	}
}

func TestFileWriteFailureKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	f := NewFile(path, testLogger())
	ctx := context.Background()

	if err := f.Write(ctx, []byte("old")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Replacing a directory with a file fails at rename time.
	blocked := NewFile(filepath.Join(dir, "sub"), testLogger())
	if err := os.MkdirAll(filepath.Join(dir, "sub", "child"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := blocked.Write(ctx, []byte("new")); err == nil {
		t.Error("expected write over a non-empty directory to fail")
	}

	got, err := f.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "old" {
		t.Errorf("Read() = %q, want old", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "sub", "child")); err != nil {
		t.Errorf("directory was disturbed: %v", err)
	}
}
