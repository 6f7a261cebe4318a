package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// Store backends accepted by OpenStore
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"

	// SQLiteFile is the database file name inside StoreOptions.Dir
	SQLiteFile = "modules.db"
)

// Store persists loadable units keyed by module path.
//
// Implementations serialize individual calls, but callers that read and then
// write (the cache rule) get no transaction: concurrent misses for the same
// path may both write, and the later write wins.
type Store interface {
	// Get returns the unit stored for key. found is false on a miss; err is
	// reserved for failures of the backing storage.
	Get(ctx context.Context, key string) (unit *LoadableUnit, found bool, err error)

	// Set stores unit under key, overwriting any previous value
	Set(ctx context.Context, key string, unit *LoadableUnit) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry
	Clear(ctx context.Context) error

	// Len returns the number of entries
	Len(ctx context.Context) (int, error)
}

// MemoryStore provides thread-safe in-process storage of units
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*LoadableUnit
}

// NewMemoryStore creates a new empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*LoadableUnit),
	}
}

// Get retrieves a unit from the store
func (s *MemoryStore) Get(_ context.Context, key string) (*LoadableUnit, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unit, found := s.items[key]
	if !found {
		RecordCacheMiss()
		return nil, false, nil
	}
	RecordCacheHit()
	return unit.Clone(), true, nil
}

// Set stores a unit
func (s *MemoryStore) Set(_ context.Context, key string, unit *LoadableUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = unit.Clone()
	UpdateStoreStats(len(s.items), s.sizeLocked())
	return nil
}

// Delete removes a unit from the store
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	UpdateStoreStats(len(s.items), s.sizeLocked())
	return nil
}

// Clear removes all units from the store
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*LoadableUnit)
	UpdateStoreStats(0, 0)
	return nil
}

// Len returns the number of units in the store
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.items), nil
}

func (s *MemoryStore) sizeLocked() int64 {
	var total int64
	for _, u := range s.items {
		total += u.Size()
	}
	return total
}

// StoreOptions selects and configures a Store backend
type StoreOptions struct {
	Backend    string
	Dir        string
	MaxEntries int
	TTL        time.Duration
}

// OpenStore opens the backend named in opts. Stores that hold resources
// implement io.Closer.
func OpenStore(opts StoreOptions) (Store, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendDisk:
		var diskOpts []DiskStoreOption
		if opts.MaxEntries > 0 {
			diskOpts = append(diskOpts, WithMaxEntries(opts.MaxEntries))
		}
		if opts.TTL > 0 {
			diskOpts = append(diskOpts, WithTTL(opts.TTL))
		}
		store, err := NewDiskStore(opts.Dir, diskOpts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendSQLite:
		if opts.Dir == "" {
			return nil, fmt.Errorf("sqlite store directory is empty")
		}
		store, err := NewSQLiteStore(filepath.Join(opts.Dir, SQLiteFile))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Backend)
	}
}
