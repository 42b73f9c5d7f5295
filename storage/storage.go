// Package storage handles persistence of the notification state document,
// either as a local file or as a Cloud Storage object.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/option"
)

// File stores the document at a local path. Writes go to a temporary file in
// the same directory which is then renamed over the target.
type File struct {
	path   string
	logger *slog.Logger
}

// NewFile creates a local file store.
func NewFile(path string, logger *slog.Logger) *File {
	return &File{path: path, logger: logger}
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Read returns the stored document. A missing file wraps fs.ErrNotExist.
func (f *File) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return data, nil
}

// Write atomically replaces the stored document.
func (f *File) Write(_ context.Context, data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if removeErr := os.Remove(tmpName); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			f.logger.Warn("Failed to remove temp state file", "path", tmpName, "error", removeErr)
		}
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("replace state file: %w", err)
	}

	f.logger.Debug("State saved to local storage", "path", f.path, "bytes", len(data))
	return nil
}

// GCS stores the document as a single Cloud Storage object. Object writes
// are all-or-nothing, so no temporary object is needed.
type GCS struct {
	client *storage.Client
	bucket string
	object string
	logger *slog.Logger
}

// NewGCSClient creates a Cloud Storage client. Empty credentials use the
// default application credentials.
func NewGCSClient(ctx context.Context, credentialsJSON string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

// NewGCS creates a Cloud Storage backed store.
func NewGCS(client *storage.Client, bucket, object string, logger *slog.Logger) *GCS {
	return &GCS{client: client, bucket: bucket, object: object, logger: logger}
}

// Read loads the object. A missing object wraps fs.ErrNotExist.
func (g *GCS) Read(ctx context.Context) ([]byte, error) {
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := g.client.Bucket(g.bucket).Object(g.object).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", fs.ErrNotExist))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying state load after error", "attempt", n, "object", g.object, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Write replaces the object.
func (g *GCS) Write(ctx context.Context, data []byte) error {
	err := retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(g.object).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying state save after error", "attempt", n, "object", g.object, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	g.logger.Info("State saved to Cloud Storage", "bucket", g.bucket, "object", g.object, "bytes", len(data))
	return nil
}
