package loader

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

const (
	// MetadataFile is the name of the store metadata file
	MetadataFile = "store.json"

	// entryExt is the extension of encoded unit files
	entryExt = ".cbor"

	// tmpSuffix marks in-flight writes
	tmpSuffix = ".tmp"

	// maxKeyPrefix bounds the readable part of an entry file name
	maxKeyPrefix = 96
)

// DiskStore persists units as files under a directory so they survive
// process restarts. By default entries never expire and the store is
// unbounded; WithMaxEntries and WithTTL opt into LRU eviction and expiry.
type DiskStore struct {
	mu sync.Mutex

	// dir is the store directory
	dir string

	// maxEntries bounds the number of entries; 0 means unbounded
	maxEntries int

	// ttl is the time-to-live for entries; 0 means no expiry
	ttl time.Duration

	// lru tracks access order for eviction
	lru *list.List

	// entries maps keys to list elements
	entries map[string]*list.Element

	// metadataPath is the path to the metadata file
	metadataPath string

	now       func() time.Time
	writeFile func(path string, data []byte) error
}

// DiskEntry describes one stored unit
type DiskEntry struct {
	Key        string    `json:"key"`
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
	AccessedAt time.Time `json:"accessedAt"`
}

// DiskMetadata contains store state persisted to disk
type DiskMetadata struct {
	Entries []DiskEntry `json:"entries"`
	Version string      `json:"version"`
}

// DiskStoreOption configures a DiskStore
type DiskStoreOption func(*DiskStore)

// WithMaxEntries bounds the store with LRU eviction. This departs from the
// unbounded default and is opt-in.
func WithMaxEntries(n int) DiskStoreOption {
	return func(s *DiskStore) {
		s.maxEntries = n
	}
}

// WithTTL expires entries older than ttl. This departs from the no-expiry
// default and is opt-in.
func WithTTL(ttl time.Duration) DiskStoreOption {
	return func(s *DiskStore) {
		s.ttl = ttl
	}
}

// NewDiskStore opens (or creates) a store rooted at dir
func NewDiskStore(dir string, opts ...DiskStoreOption) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("disk store directory is empty")
	}

	s := &DiskStore{
		dir:          dir,
		lru:          list.New(),
		entries:      make(map[string]*list.Element),
		metadataPath: filepath.Join(dir, MetadataFile),
		now:          time.Now,
		writeFile:    writeFileAtomic,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &CacheAccessError{Op: "open", Err: fmt.Errorf("failed to create store directory %s: %w", dir, err)}
	}

	if err := s.loadMetadata(); err != nil {
		return nil, &CacheAccessError{Op: "open", Err: err}
	}

	return s, nil
}

// Dir returns the directory backing the store
func (s *DiskStore) Dir() string {
	return s.dir
}

// Get retrieves a unit from the store
func (s *DiskStore) Get(ctx context.Context, key string) (*LoadableUnit, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, &CacheAccessError{Op: "get", Key: key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		RecordCacheMiss()
		return nil, false, nil
	}

	entry := elem.Value.(*DiskEntry)

	if s.expired(entry) {
		s.removeEntry(key)
		s.persistLocked()
		RecordCacheMiss()
		return nil, false, nil
	}

	data, err := os.ReadFile(s.contentPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		// Content removed behind our back, forget the entry
		s.removeEntry(key)
		s.persistLocked()
		RecordCacheMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &CacheAccessError{Op: "get", Key: key, Err: err}
	}

	var unit LoadableUnit
	if err := cbor.Unmarshal(data, &unit); err != nil {
		return nil, false, &CacheAccessError{Op: "get", Key: key, Err: fmt.Errorf("corrupt entry: %w", err)}
	}

	entry.AccessedAt = s.now()
	s.lru.MoveToFront(elem)

	RecordCacheHit()
	return &unit, true, nil
}

// Set stores a unit, overwriting any previous value for key
func (s *DiskStore) Set(ctx context.Context, key string, unit *LoadableUnit) error {
	if err := ctx.Err(); err != nil {
		return &CacheAccessError{Op: "set", Key: key, Err: err}
	}
	if unit == nil {
		return &CacheAccessError{Op: "set", Key: key, Err: fmt.Errorf("nil unit")}
	}

	data, err := cbor.Marshal(unit)
	if err != nil {
		return &CacheAccessError{Op: "set", Key: key, Err: fmt.Errorf("failed to encode unit: %w", err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The index changes only once the content is on disk, so a failed write
	// leaves any previous value for key readable.
	if err := s.writeFile(s.contentPath(key), data); err != nil {
		return &CacheAccessError{Op: "set", Key: key, Err: err}
	}

	now := s.now()
	if elem, ok := s.entries[key]; ok {
		entry := elem.Value.(*DiskEntry)
		entry.Digest = unit.Digest()
		entry.Size = unit.Size()
		entry.CreatedAt = now
		entry.AccessedAt = now
		s.lru.MoveToFront(elem)
	} else {
		if s.maxEntries > 0 {
			for s.lru.Len() >= s.maxEntries {
				s.evictOldest()
			}
		}

		entry := &DiskEntry{
			Key:        key,
			Digest:     unit.Digest(),
			Size:       unit.Size(),
			CreatedAt:  now,
			AccessedAt: now,
		}
		s.entries[key] = s.lru.PushFront(entry)
	}

	if err := s.saveMetadata(); err != nil {
		return &CacheAccessError{Op: "set", Key: key, Err: err}
	}

	stats := s.statsLocked()
	UpdateStoreStats(stats.EntryCount, stats.TotalSize)

	return nil
}

// Delete removes an entry from the store
func (s *DiskStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeEntry(key)

	if err := s.saveMetadata(); err != nil {
		return &CacheAccessError{Op: "delete", Key: key, Err: err}
	}

	stats := s.statsLocked()
	UpdateStoreStats(stats.EntryCount, stats.TotalSize)

	return nil
}

// Clear removes all entries and their files. Other files sharing the
// directory are left alone.
func (s *DiskStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return &CacheAccessError{Op: "clear", Err: fmt.Errorf("failed to read store directory: %w", err)}
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !ownedFile(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	s.lru = list.New()
	s.entries = make(map[string]*list.Element)
	UpdateStoreStats(0, 0)

	if len(errs) > 0 {
		return &CacheAccessError{Op: "clear", Err: errors.Join(errs...)}
	}
	return nil
}

// Len returns the number of entries in the store
func (s *DiskStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len(), nil
}

// Stats returns store statistics
func (s *DiskStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// Prune removes expired entries. It is a no-op when no TTL is configured.
func (s *DiskStore) Prune() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl <= 0 {
		return nil
	}

	var toRemove []string
	for key, elem := range s.entries {
		if s.expired(elem.Value.(*DiskEntry)) {
			toRemove = append(toRemove, key)
		}
	}

	for _, key := range toRemove {
		s.removeEntry(key)
	}

	if len(toRemove) > 0 {
		if err := s.saveMetadata(); err != nil {
			return &CacheAccessError{Op: "prune", Err: err}
		}
	}

	return nil
}

// StoreStats contains store statistics
type StoreStats struct {
	EntryCount int
	MaxEntries int
	TotalSize  int64
}

// statsLocked returns store statistics (must hold lock)
func (s *DiskStore) statsLocked() StoreStats {
	stats := StoreStats{
		EntryCount: s.lru.Len(),
		MaxEntries: s.maxEntries,
	}

	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		stats.TotalSize += elem.Value.(*DiskEntry).Size
	}

	return stats
}

func (s *DiskStore) expired(entry *DiskEntry) bool {
	return s.ttl > 0 && s.now().Sub(entry.CreatedAt) > s.ttl
}

// contentPath returns the file path for an encoded unit
func (s *DiskStore) contentPath(key string) string {
	return filepath.Join(s.dir, entryFileName(key))
}

// entryFileName derives a filesystem-safe, collision-resistant name for key.
// The readable prefix helps when inspecting the directory by hand.
func entryFileName(key string) string {
	prefix := sanitizeKey(key)
	if len(prefix) > maxKeyPrefix {
		prefix = prefix[:maxKeyPrefix]
	}
	return fmt.Sprintf("%s-%016x%s", prefix, xxhash.Sum64String(key), entryExt)
}

// sanitizeKey makes a key safe for use as a filename
func sanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// removeEntry removes an entry and its file (must hold lock)
func (s *DiskStore) removeEntry(key string) {
	if elem, ok := s.entries[key]; ok {
		s.lru.Remove(elem)
		delete(s.entries, key)
		_ = os.Remove(s.contentPath(key))
	}
}

// evictOldest removes the least recently used entry (must hold lock)
func (s *DiskStore) evictOldest() {
	elem := s.lru.Back()
	if elem != nil {
		s.removeEntry(elem.Value.(*DiskEntry).Key)
		RecordCacheEviction()
	}
}

// persistLocked saves metadata after a read-path mutation. A failure here only
// costs a stale metadata file, which loadMetadata tolerates.
func (s *DiskStore) persistLocked() {
	_ = s.saveMetadata()
}

// loadMetadata rebuilds the in-memory index from disk
func (s *DiskStore) loadMetadata() error {
	data, err := os.ReadFile(s.metadataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata DiskMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}

	// Entries are saved most recent first; push in reverse to keep that order
	for i := len(metadata.Entries) - 1; i >= 0; i-- {
		entry := metadata.Entries[i]

		if s.expired(&entry) {
			_ = os.Remove(s.contentPath(entry.Key))
			continue
		}

		if _, err := os.Stat(s.contentPath(entry.Key)); errors.Is(err, fs.ErrNotExist) {
			continue
		}

		entryCopy := entry
		s.entries[entry.Key] = s.lru.PushFront(&entryCopy)
	}

	if s.maxEntries > 0 {
		for s.lru.Len() > s.maxEntries {
			s.evictOldest()
		}
	}

	return nil
}

// saveMetadata persists the index to disk (must hold lock)
func (s *DiskStore) saveMetadata() error {
	entries := make([]DiskEntry, 0, s.lru.Len())
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, *elem.Value.(*DiskEntry))
	}

	data, err := json.MarshalIndent(DiskMetadata{
		Entries: entries,
		Version: "v1",
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return writeFileAtomic(s.metadataPath, data)
}

// ownedFile reports whether name is an entry, the metadata file, or a
// leftover temp file written by this store
func ownedFile(name string) bool {
	return name == MetadataFile ||
		strings.HasSuffix(name, entryExt) ||
		strings.HasSuffix(name, tmpSuffix)
}

// writeFileAtomic writes data to a unique temp file in the target directory
// and renames it into place, so concurrent writers never share a temp file
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", filepath.Base(path), err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
