package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/mermi/metrics-controller/pkg/histogram"
)

// currentFileVersion is the version of the on-disk document format
const currentFileVersion = 1

type fileDocument struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	Data    *histogram.Set `json:"data"`
}

// FileStore keeps the histogram set in a single JSON file. Writes go to a
// temporary file that is renamed over the target, so a crash mid-write
// leaves the previous version intact.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by path. The file and its directory
// are created on the first Write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the location of the backing file
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Write(ctx context.Context, set *histogram.Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(fileDocument{
		Version: currentFileVersion,
		SavedAt: time.Now().UTC(),
		Data:    set,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal histograms: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) Read(ctx context.Context) (*histogram.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	if doc.Version != currentFileVersion {
		return nil, fmt.Errorf("unsupported histogram file version %d", doc.Version)
	}
	if doc.Data == nil {
		return nil, ErrNotFound
	}
	if doc.Data.Histograms == nil {
		doc.Data.Histograms = make(map[string]*histogram.Histogram)
	}
	if err := doc.Data.Validate(); err != nil {
		return nil, fmt.Errorf("invalid histograms in %s: %w", f.path, err)
	}

	return doc.Data, nil
}

func (f *FileStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileStore) Close() error {
	return nil
}
