package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/fetch"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("编码 PNG 失败: %v", err)
	}
	return buf.Bytes()
}

func mustKey(t *testing.T, locator string) cache.Key {
	t.Helper()
	key, err := cache.KeyFor(locator)
	if err != nil {
		t.Fatalf("KeyFor(%q) 失败: %v", locator, err)
	}
	return key
}

// waitFor 轮询 cond 直到成立或超时。
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

type fakeFetcher struct {
	mu        sync.Mutex
	payloads  map[string][]byte
	failures  map[string]error
	gates     map[string]chan struct{}
	calls     map[string]int
	active    int
	maxActive int
	delay     time.Duration
	started   chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		payloads: make(map[string][]byte),
		failures: make(map[string]error),
		gates:    make(map[string]chan struct{}),
		calls:    make(map[string]int),
		started:  make(chan string, 64),
	}
}

func (f *fakeFetcher) serve(locator string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[locator] = data
}

func (f *fakeFetcher) fail(locator string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[locator] = err
}

// hold 让 locator 的回源阻塞，直到返回的函数被调用。
func (f *fakeFetcher) hold(locator string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[locator] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	f.mu.Lock()
	f.calls[locator]++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	gate := f.gates[locator]
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	select {
	case f.started <- locator:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[locator]; err != nil {
		return nil, err
	}
	data, ok := f.payloads[locator]
	if !ok {
		return nil, &fetch.StatusError{URL: locator, Status: 404}
	}
	return data, nil
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeFetcher) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *fakeFetcher) waitStarted(t *testing.T, locator string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-f.started:
			if got == locator {
				return
			}
		case <-timeout:
			t.Fatalf("回源未开始: %s", locator)
		}
	}
}

type fakeDisk struct {
	mu       sync.Mutex
	entries  map[cache.Key][]byte
	reads    int
	writes   int
	readErr  error
	writeErr error
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{entries: make(map[cache.Key][]byte)}
}

func (d *fakeDisk) Read(ctx context.Context, key cache.Key) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.readErr != nil {
		return nil, d.readErr
	}
	data, ok := d.entries[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return data, nil
}

func (d *fakeDisk) Write(ctx context.Context, key cache.Key, data []byte) (*cache.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	if d.writeErr != nil {
		return nil, d.writeErr
	}
	d.entries[key] = append([]byte(nil), data...)
	return &cache.Entry{Key: key, SizeBytes: int64(len(data)), ModTime: time.Now()}, nil
}

func (d *fakeDisk) counts() (reads, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}

func (d *fakeDisk) has(key cache.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[key]
	return ok
}

type event struct {
	binding *Binding
	key     cache.Key
	res     *Resource
	err     error
}

// recorder 同时实现 Receiver 与 FailureReceiver。
type recorder struct {
	mu     sync.Mutex
	events []event
	ch     chan event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan event, 128)}
}

func (r *recorder) ResourceReady(b *Binding, res *Resource) {
	r.record(event{binding: b, key: res.Key, res: res})
}

func (r *recorder) ResourceFailed(b *Binding, key cache.Key, err error) {
	r.record(event{binding: b, key: key, err: err})
}

func (r *recorder) record(ev event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("等待投递超时")
		return event{}
	}
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func newTestPipeline(t *testing.T, fetcher fetch.Fetcher, disk DiskCache, mutate ...func(*Options)) *Pipeline {
	t.Helper()
	memory, err := cache.NewMemory[*Resource](64 << 20)
	if err != nil {
		t.Fatalf("创建内存缓存失败: %v", err)
	}
	t.Cleanup(memory.Close)

	opts := Options{
		Memory:  memory,
		Disk:    disk,
		Fetcher: fetcher,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("创建 Pipeline 失败: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}
