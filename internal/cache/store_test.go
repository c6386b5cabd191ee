package cache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func TestStoreWriteAndRead(t *testing.T) {
	store := newTestStore(t)
	key := mustKey(t, "https://img.example.com/photos/100.png")

	payload := []byte("payload")
	entry, err := store.Write(context.Background(), key, payload)
	if err != nil {
		t.Fatalf("write error: %v", err)
	}
	if entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", entry.SizeBytes)
	}

	body, err := store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
}

func TestStoreReadMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Read(context.Background(), mustKey(t, "https://img.example.com/missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	key := mustKey(t, "https://img.example.com/remove")
	if _, err := store.Write(context.Background(), key, []byte("data")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if err := store.Remove(context.Background(), key); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Read(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if err := store.Remove(context.Background(), key); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	key := mustKey(t, "https://img.example.com/dir")

	if err := os.MkdirAll(store.entryPath(key), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if _, err := store.Read(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestStoreReadHonoursCancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Read(ctx, mustKey(t, "https://img.example.com/a")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// Readers racing a rewrite of the same key must see either the old or the new
// body in full.
func TestStoreConcurrentReadWriteNeverTorn(t *testing.T) {
	store := newTestStore(t)
	key := mustKey(t, "https://img.example.com/race.png")

	oldBody := bytes.Repeat([]byte("a"), 256*1024)
	newBody := bytes.Repeat([]byte("b"), 256*1024)
	if _, err := store.Write(context.Background(), key, oldBody); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 8)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				body, err := store.Read(context.Background(), key)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(body, oldBody) && !bytes.Equal(body, newBody) {
					errs <- errors.New("observed torn body")
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		body := newBody
		if i%2 == 1 {
			body = oldBody
		}
		if _, err := store.Write(context.Background(), key, body); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if _, err := store.Write(context.Background(), key, newBody); err != nil {
		t.Fatalf("final write: %v", err)
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("reader failed: %v", err)
	}

	body, err := store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("read after write: %v", err)
	}
	if !bytes.Equal(body, newBody) {
		t.Fatalf("read after completed write should return exactly the written bytes")
	}
}

func TestStoreSerializesWritesPerKey(t *testing.T) {
	store := newTestStore(t)
	key := mustKey(t, "https://img.example.com/serial")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := bytes.Repeat([]byte{byte('a' + i)}, 4096)
			if _, err := store.Write(context.Background(), key, body); err != nil {
				t.Errorf("write %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	body, err := store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(body) != 4096 || !bytes.Equal(body, bytes.Repeat(body[:1], 4096)) {
		t.Fatalf("expected a single writer's body, got mixed content")
	}

	store.mu.Lock()
	remaining := len(store.locks)
	store.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected entry locks to be released, %d left", remaining)
	}
}

func TestStorePruneByAgeAndSize(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	write := func(locator string, size int, at time.Time) Key {
		t.Helper()
		store.now = func() time.Time { return at }
		key := mustKey(t, locator)
		if _, err := store.Write(context.Background(), key, bytes.Repeat([]byte("x"), size)); err != nil {
			t.Fatalf("write %s: %v", locator, err)
		}
		return key
	}

	stale := write("https://img.example.com/stale", 100, base.Add(-10*24*time.Hour))
	oldest := write("https://img.example.com/oldest", 100, base.Add(-3*time.Hour))
	middle := write("https://img.example.com/middle", 100, base.Add(-2*time.Hour))
	newest := write("https://img.example.com/newest", 100, base.Add(-1*time.Hour))

	store.now = func() time.Time { return base }
	report, err := store.Prune(context.Background(), PrunePolicy{MaxAge: 7 * 24 * time.Hour, MaxBytes: 200})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.Scanned != 4 || report.Removed != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.KeptBytes != 200 {
		t.Fatalf("expected 200 kept bytes, got %d", report.KeptBytes)
	}

	for _, key := range []Key{stale, oldest} {
		if _, err := store.Read(context.Background(), key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected %s pruned, got %v", key, err)
		}
	}
	for _, key := range []Key{middle, newest} {
		if _, err := store.Read(context.Background(), key); err != nil {
			t.Fatalf("expected %s kept, got %v", key, err)
		}
	}
}

func TestRunPrunerSkipsWhenDisabled(t *testing.T) {
	store := newTestStore(t)
	called := false
	RunPruner(context.Background(), store, PrunePolicy{}, time.Millisecond, func(PruneReport, error) {
		called = true
	})
	if called {
		t.Fatalf("disabled policy should not run")
	}
}

// newTestStore returns a FileStore backed by a temporary directory.
func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func mustKey(t *testing.T, locator string) Key {
	t.Helper()
	key, err := KeyFor(locator)
	if err != nil {
		t.Fatalf("KeyFor(%q): %v", locator, err)
	}
	return key
}
