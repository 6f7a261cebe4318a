package loader

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_SetGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	want := unitOf("export default 1")
	if err := store.Set(ctx, "https://cdn/pkg", want); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, found, err := store.Get(ctx, "https://cdn/pkg")
	if err != nil || !found {
		t.Fatalf("expected hit: found=%v err=%v", found, err)
	}
	if *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if _, found, err := store.Get(ctx, "other"); found || err != nil {
		t.Errorf("expected clean miss: found=%v err=%v", found, err)
	}
}

func TestMemoryStore_ValuesAreCopied(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	unit := unitOf("original")
	store.Set(ctx, "k", unit)
	unit.Contents = "mutated after set"

	got, _, _ := store.Get(ctx, "k")
	if got.Contents != "original" {
		t.Errorf("store shares the caller's unit: %q", got.Contents)
	}

	got.Contents = "mutated after get"
	again, _, _ := store.Get(ctx, "k")
	if again.Contents != "original" {
		t.Errorf("store hands out its own unit: %q", again.Contents)
	}
}

func TestMemoryStore_DeleteClearLen(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Set(ctx, "a", unitOf("1"))
	store.Set(ctx, "b", unitOf("2"))
	store.Set(ctx, "c", unitOf("3"))

	if n, _ := store.Len(ctx); n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}

	store.Delete(ctx, "a")
	if _, found, _ := store.Get(ctx, "a"); found {
		t.Error("expected miss after delete")
	}

	store.Clear(ctx)
	if n, _ := store.Len(ctx); n != 0 {
		t.Errorf("Len after clear = %d", n)
	}
}

func TestMemoryStore_Concurrency(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			store.Set(ctx, fmt.Sprintf("key-%d", n%10), unitOf(fmt.Sprintf("content-%d", n)))
		}(i)
		go func(n int) {
			defer wg.Done()
			store.Get(ctx, fmt.Sprintf("key-%d", n%10))
		}(i)
	}
	wg.Wait()

	if n, _ := store.Len(ctx); n != 10 {
		t.Errorf("Len = %d, want 10", n)
	}
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), SQLiteFile))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_SetGet(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	want := unitOf("export default 1")
	if err := store.Set(ctx, "https://cdn/pkg", want); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, found, err := store.Get(ctx, "https://cdn/pkg")
	if err != nil || !found {
		t.Fatalf("expected hit: found=%v err=%v", found, err)
	}
	if *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if _, found, err := store.Get(ctx, "missing"); found || err != nil {
		t.Errorf("expected clean miss: found=%v err=%v", found, err)
	}
}

func TestSQLiteStore_Overwrite(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	store.Set(ctx, "k", unitOf("first"))
	if err := store.Set(ctx, "k", &LoadableUnit{Loader: KindExecutable, Contents: "second"}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	got, _, _ := store.Get(ctx, "k")
	if got.Contents != "second" || got.Loader != KindExecutable || got.ResolveDir != "" {
		t.Errorf("unexpected unit after overwrite: %+v", got)
	}
	if n, _ := store.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestSQLiteStore_DeleteClearStats(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	store.Set(ctx, "a", unitOf("content1"))
	store.Set(ctx, "b", unitOf("content2"))

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.EntryCount != 2 || stats.TotalSize != int64(len("content1")+len("content2")) {
		t.Errorf("unexpected stats: %+v", stats)
	}

	store.Delete(ctx, "a")
	if _, found, _ := store.Get(ctx, "a"); found {
		t.Error("expected miss after delete")
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n, _ := store.Len(ctx); n != 0 {
		t.Errorf("Len after clear = %d", n)
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", SQLiteFile)
	ctx := context.Background()

	first, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	first.Set(ctx, "https://cdn/a.css", unitOf("content1"))
	first.Close()

	second, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	got, found, err := second.Get(ctx, "https://cdn/a.css")
	if err != nil || !found {
		t.Fatalf("entry lost across reopen: found=%v err=%v", found, err)
	}
	if got.Contents != "content1" {
		t.Errorf("Got wrong unit: %+v", got)
	}
}

func TestSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	store.Set(ctx, "k", unitOf("x"))
	if _, found, _ := store.Get(ctx, "k"); !found {
		t.Error("expected hit")
	}
}

func TestSQLiteStore_Concurrency(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			errs <- store.Set(ctx, fmt.Sprintf("key-%d", n%5), unitOf(fmt.Sprintf("content-%d", n)))
		}(i)
		go func(n int) {
			defer wg.Done()
			_, _, err := store.Get(ctx, fmt.Sprintf("key-%d", n%5))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent access failed: %v", err)
		}
	}
	if n, _ := store.Len(ctx); n != 5 {
		t.Errorf("Len = %d, want 5", n)
	}
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		opts    StoreOptions
		want    string
		wantErr bool
	}{
		{name: "default is memory", opts: StoreOptions{}, want: "*loader.MemoryStore"},
		{name: "memory", opts: StoreOptions{Backend: BackendMemory}, want: "*loader.MemoryStore"},
		{name: "disk", opts: StoreOptions{Backend: BackendDisk, Dir: filepath.Join(dir, "disk")}, want: "*loader.DiskStore"},
		{name: "disk bounded", opts: StoreOptions{Backend: BackendDisk, Dir: filepath.Join(dir, "lru"), MaxEntries: 5, TTL: time.Hour}, want: "*loader.DiskStore"},
		{name: "sqlite", opts: StoreOptions{Backend: BackendSQLite, Dir: filepath.Join(dir, "sql")}, want: "*loader.SQLiteStore"},
		{name: "disk without dir", opts: StoreOptions{Backend: BackendDisk}, wantErr: true},
		{name: "sqlite without dir", opts: StoreOptions{Backend: BackendSQLite}, wantErr: true},
		{name: "unknown backend", opts: StoreOptions{Backend: "redis"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := OpenStore(tt.opts)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got store %T", store)
				}
				if store != nil {
					t.Errorf("expected nil store on error, got %T", store)
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenStore failed: %v", err)
			}
			if c, ok := store.(io.Closer); ok {
				defer c.Close()
			}
			if got := fmt.Sprintf("%T", store); got != tt.want {
				t.Errorf("OpenStore returned %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOpenStore_DiskOptions(t *testing.T) {
	store, err := OpenStore(StoreOptions{Backend: BackendDisk, Dir: t.TempDir(), MaxEntries: 2})
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}

	ctx := context.Background()
	store.Set(ctx, "a", unitOf("1"))
	store.Set(ctx, "b", unitOf("2"))
	store.Set(ctx, "c", unitOf("3"))

	if n, _ := store.Len(ctx); n != 2 {
		t.Errorf("MaxEntries not applied, Len = %d", n)
	}
}
