// Package persistence stores histogram sets on durable local storage so that
// counts survive process restarts.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/mermi/metrics-controller/pkg/histogram"
)

// ErrNotFound is returned by Read when nothing has been persisted yet.
var ErrNotFound = errors.New("no persisted histograms")

// Store persists a histogram set. Write replaces whatever was stored before.
type Store interface {
	Write(ctx context.Context, set *histogram.Set) error
	Read(ctx context.Context) (*histogram.Set, error)
	Clear(ctx context.Context) error
	Close() error
}

// Kind selects a Store implementation.
type Kind string

const (
	KindFile   Kind = "file"
	KindSQLite Kind = "sqlite"
	KindMemory Kind = "memory"
)

// Open creates the store of the given kind inside dir.
func Open(kind Kind, dir string) (Store, error) {
	switch kind {
	case KindFile, "":
		return NewFileStore(filepath.Join(dir, "histograms.json")), nil
	case KindSQLite:
		return OpenSQLiteStore(filepath.Join(dir, "histograms.db"))
	case KindMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage kind %q", kind)
	}
}

// MemoryStore keeps the last written set in process memory.
type MemoryStore struct {
	mu  sync.Mutex
	set *histogram.Set
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Write(_ context.Context, set *histogram.Set) error {
	clone, err := set.Clone()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = clone
	return nil
}

func (m *MemoryStore) Read(_ context.Context) (*histogram.Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.set == nil {
		return nil, ErrNotFound
	}
	return m.set.Clone()
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = nil
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
