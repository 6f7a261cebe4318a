package loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// countingStore wraps a MemoryStore and counts calls
type countingStore struct {
	*MemoryStore
	gets atomic.Int64
	sets atomic.Int64

	getErr error
	setErr error
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: NewMemoryStore()}
}

func (s *countingStore) Get(ctx context.Context, key string) (*LoadableUnit, bool, error) {
	s.gets.Add(1)
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key string, unit *LoadableUnit) error {
	s.sets.Add(1)
	if s.setErr != nil {
		return s.setErr
	}
	return s.MemoryStore.Set(ctx, key, unit)
}

// mockCDN serves fixed bodies by path and counts requests per path
type mockCDN struct {
	*httptest.Server

	mu        sync.Mutex
	bodies    map[string]string
	redirects map[string]string
	hits      map[string]int
}

func newMockCDN(t *testing.T) *mockCDN {
	t.Helper()
	cdn := &mockCDN{
		bodies:    make(map[string]string),
		redirects: make(map[string]string),
		hits:      make(map[string]int),
	}
	cdn.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cdn.mu.Lock()
		cdn.hits[r.URL.Path]++
		target, redirect := cdn.redirects[r.URL.Path]
		body, ok := cdn.bodies[r.URL.Path]
		cdn.mu.Unlock()

		if redirect {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(cdn.Close)
	return cdn
}

func (c *mockCDN) serve(path, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies[path] = body
}

func (c *mockCDN) redirect(from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redirects[from] = to
}

func (c *mockCDN) totalHits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.hits {
		n += h
	}
	return n
}
