package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// ErrObjectNotExist is returned by a Backend when a document is missing.
var ErrObjectNotExist = errors.New("storage: object doesn't exist")

// IsNotFound checks if an error indicates a document was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotExist)
}

// Backend persists opaque documents by key.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

func isDocumentKey(name string) bool {
	return strings.HasPrefix(name, "sub-") && strings.HasSuffix(name, ".json")
}

// Local stores documents as files in a directory.
type Local struct {
	logger *slog.Logger
	dir    string
}

// NewLocal creates the directory if needed.
func NewLocal(dir string, logger *slog.Logger) (*Local, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &Local{dir: dir, logger: logger}, nil
}

// Put writes to a temporary file and renames it over the target, so a crash
// never leaves a half-written document behind.
func (l *Local) Put(_ context.Context, key string, data []byte) error {
	f, err := os.CreateTemp(l.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(l.dir, key)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	l.logger.Debug("Document saved to local storage", "key", key, "bytes", len(data))
	return nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", key, ErrObjectNotExist)
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return data, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	if err := os.Remove(filepath.Join(l.dir, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}

func (l *Local) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !isDocumentKey(entry.Name()) {
			continue
		}
		keys = append(keys, entry.Name())
	}
	return keys, nil
}

// GCS stores documents as objects in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

// NewGCS creates a bucket-backed document backend.
func NewGCS(client *storage.Client, bucket string, logger *slog.Logger) *GCS {
	return &GCS{client: client, bucket: bucket, logger: logger}
}

func (g *GCS) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	err := retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
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
		g.retryOptions(ctx, "put", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		data     []byte
		notFound bool
	)
	err := retry.Do(
		func() error {
			r, openErr := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
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
		g.retryOptions(ctx, "get", key)...,
	)
	if notFound {
		return nil, fmt.Errorf("read %s: %w", key, ErrObjectNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	var notFound bool
	err := retry.Do(
		func() error {
			if deleteErr := g.client.Bucket(g.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(deleteErr)
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		g.retryOptions(ctx, "delete", key)...,
	)
	if notFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

func (g *GCS) List(ctx context.Context) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: "sub-"})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if isDocumentKey(attrs.Name) {
			keys = append(keys, attrs.Name)
		}
	}
	return keys, nil
}
