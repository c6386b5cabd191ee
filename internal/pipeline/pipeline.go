// Package pipeline implements the tiered lookup used by list/table style
// presentations: memory, then disk, then a limiter-gated network fetch, with
// concurrent lookups for the same key coalesced into one fetch and results
// delivered only to bindings that still expect them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/fetch"
	"github.com/any-hub/imgcache/internal/logging"
)

// Tier names where a lookup was satisfied.
type Tier string

const (
	TierMemory  Tier = "memory"
	TierDisk    Tier = "disk"
	TierNetwork Tier = "network"
)

// MemoryCache is the fast tier. *cache.Memory[*Resource] satisfies it.
type MemoryCache interface {
	Get(key cache.Key) (*Resource, bool)
	Put(key cache.Key, res *Resource, cost int64) bool
}

// DiskCache is the durable tier. *cache.FileStore satisfies it.
type DiskCache interface {
	Read(ctx context.Context, key cache.Key) ([]byte, error)
	Write(ctx context.Context, key cache.Key, data []byte) (*cache.Entry, error)
}

// MissCache 记住近期确认缺失的 Key。Recall 命中时查找直接失败，不申请回源许可。
// *fetch.NotFoundCache satisfies it.
type MissCache interface {
	Recall(key string) error
	Remember(key string, err error)
}

// Options 汇总 Pipeline 的依赖。Memory 与 Fetcher 必填，其余均有默认值。
type Options struct {
	Memory  MemoryCache
	Disk    DiskCache
	Fetcher fetch.Fetcher
	Limiter *fetch.Limiter
	Decoder Decoder
	Misses  MissCache
	// Dispatcher 为空时 Pipeline 自建一个 SerialDispatcher，并在 Close 时回收。
	Dispatcher Dispatcher
	Logger     *logrus.Logger
}

// Pipeline 是显式构造、显式持有的请求协调器，内部自带同步，不依赖全局单例。
type Pipeline struct {
	memory     MemoryCache
	disk       DiskCache
	fetcher    fetch.Fetcher
	limiter    *fetch.Limiter
	decoder    Decoder
	misses     MissCache
	dispatcher Dispatcher
	owned      *SerialDispatcher
	logger     *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[cache.Key]*call
	waiting  map[*Binding]*call

	stats counters
}

// call 是一次进行中的回源；同一 Key 同时最多存在一个。
type call struct {
	key     cache.Key
	locator string
	started time.Time
	done    chan struct{}
	waiters map[*Binding]struct{}

	res *Resource
	err error
}

// New 校验依赖并补齐默认值。
func New(opts Options) (*Pipeline, error) {
	if opts.Memory == nil {
		return nil, errors.New("memory cache is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	p := &Pipeline{
		memory:     opts.Memory,
		disk:       opts.Disk,
		fetcher:    opts.Fetcher,
		limiter:    opts.Limiter,
		decoder:    opts.Decoder,
		misses:     opts.Misses,
		dispatcher: opts.Dispatcher,
		logger:     logger,
		inflight:   make(map[cache.Key]*call),
		waiting:    make(map[*Binding]*call),
	}
	if p.limiter == nil {
		p.limiter = fetch.NewLimiter(fetch.LimiterOptions{})
	}
	if p.decoder == nil {
		p.decoder = ImageDecoder{}
	}
	if p.dispatcher == nil {
		p.owned = NewSerialDispatcher(func(r any) {
			logger.WithFields(logrus.Fields{"action": "deliver"}).Errorf("receiver panic: %v", r)
		})
		p.dispatcher = p.owned
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Resolve 为 binding 查找 locator 对应的资源，结果经 Dispatcher 异步投递。
// binding 会被指向新的 Key，之前未完成的请求不会再投递给它。
// 仅当 locator 非法或 Pipeline 已关闭时返回错误；回源失败不会以错误形式返回。
func (p *Pipeline) Resolve(locator string, b *Binding) error {
	if b == nil {
		return errors.New("binding is required")
	}
	key, err := cache.KeyFor(locator)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.detachLocked(b)
	b.Expect(key)
	p.wg.Add(1)
	p.mu.Unlock()

	if res, ok := p.memory.Get(key); ok {
		p.wg.Done()
		p.stats.memoryHits.Add(1)
		p.deliver(b, key, res, nil)
		return nil
	}

	go func() {
		defer p.wg.Done()
		p.resolveSlow(key, locator, b)
	}()
	return nil
}

func (p *Pipeline) resolveSlow(key cache.Key, locator string, b *Binding) {
	if res, ok := p.readDisk(p.ctx, key); ok {
		p.deliver(b, key, res, nil)
		return
	}

	c, leader, hit := p.join(key, locator, b)
	if hit != nil {
		p.deliver(b, key, hit, nil)
		return
	}
	if c == nil || !leader {
		return
	}
	p.runFetch(c)
}

// Get 是阻塞版本：按同样的分层与合并逻辑查找，并把结果直接返回给调用方。
// ctx 只约束本次等待；回源本身会继续完成，以便其它等待者受益。
func (p *Pipeline) Get(ctx context.Context, locator string) (*Resource, Tier, error) {
	key, err := cache.KeyFor(locator)
	if err != nil {
		return nil, "", err
	}
	if p.isClosed() {
		return nil, "", ErrClosed
	}

	if res, ok := p.memory.Get(key); ok {
		p.stats.memoryHits.Add(1)
		return res, TierMemory, nil
	}
	if res, ok := p.readDisk(ctx, key); ok {
		return res, TierDisk, nil
	}

	c, leader, hit := p.join(key, locator, nil)
	if hit != nil {
		return hit, TierMemory, nil
	}
	if c == nil {
		return nil, "", ErrClosed
	}
	if leader && !p.spawn(func() { p.runFetch(c) }) {
		// Close 抢先一步：就地执行，让 call 以 ErrClosed 收尾并清理 inflight。
		p.runFetch(c)
	}

	select {
	case <-c.done:
		return c.res, TierNetwork, c.err
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// Cancel 将 binding 从等待列表中移除并清空其期望 Key；共享的回源不会被取消。
func (p *Pipeline) Cancel(b *Binding) {
	if b == nil {
		return
	}
	p.mu.Lock()
	p.detachLocked(b)
	b.Reset()
	p.mu.Unlock()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	s := p.stats.snapshot()
	p.mu.Lock()
	s.InFlight = len(p.inflight)
	p.mu.Unlock()
	s.ActiveFetches = p.limiter.Active()
	if p.owned != nil {
		s.DispatchQueued = p.owned.Pending()
	}
	return s
}

// Close 拒绝新请求，取消排队中的回源，等待后台任务结束后关闭自建的 Dispatcher。
// 自建 Dispatcher 会等待已入队的回调执行完，因此不要在投递回调内调用 Close。
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	if p.owned != nil {
		p.owned.Close()
	}
	return nil
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// spawn runs fn on a tracked goroutine unless the pipeline is closed.
func (p *Pipeline) spawn(fn func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		fn()
	}()
	return true
}

// join 在持锁状态下查找或创建 call。返回 leader=true 时调用方负责执行回源；
// 若此时内存层已被其它回源填充，则直接返回命中结果。
func (p *Pipeline) join(key cache.Key, locator string, b *Binding) (c *call, leader bool, hit *Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, nil
	}
	if res, ok := p.memory.Get(key); ok {
		p.stats.memoryHits.Add(1)
		return nil, false, res
	}
	if b != nil && !b.Expects(key) {
		// binding 已被复用到其它 Key，没有必要再登记。
		p.stats.dropped.Add(1)
		return nil, false, nil
	}

	if existing, ok := p.inflight[key]; ok {
		p.stats.coalesced.Add(1)
		if b != nil {
			existing.waiters[b] = struct{}{}
			p.waiting[b] = existing
		}
		return existing, false, nil
	}

	c = &call{
		key:     key,
		locator: locator,
		started: time.Now(),
		done:    make(chan struct{}),
		waiters: make(map[*Binding]struct{}),
	}
	if b != nil {
		c.waiters[b] = struct{}{}
		p.waiting[b] = c
	}
	p.inflight[key] = c
	return c, true, nil
}

func (p *Pipeline) detachLocked(b *Binding) {
	if c, ok := p.waiting[b]; ok {
		delete(c.waiters, b)
		delete(p.waiting, b)
	}
}

// runFetch 执行回源并在完成后通知所有等待者。缓存写入先于移除 inflight 记录，
// 因此之后到达的请求要么加入本次 call，要么命中内存或磁盘（内存可能拒绝写入）。
func (p *Pipeline) runFetch(c *call) {
	res, err := p.fetchAndDecode(c)
	if err == nil {
		p.putMemory(c.key, res)
		p.writeDisk(c.key, res.Data)
	}

	p.mu.Lock()
	delete(p.inflight, c.key)
	waiters := c.waiters
	c.waiters = nil
	for b := range waiters {
		if p.waiting[b] == c {
			delete(p.waiting, b)
		}
	}
	c.res, c.err = res, err
	close(c.done)
	p.mu.Unlock()

	fields := logging.ResolveFields("fetch", c.key.String(), string(TierNetwork))
	fields["waiters"] = len(waiters)
	fields["elapsed_ms"] = time.Since(c.started).Milliseconds()
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Warn(failureAction(err))
	} else {
		p.logger.WithFields(fields).Debug("fetch_complete")
	}

	for b := range waiters {
		p.deliver(b, c.key, res, err)
	}
}

func (p *Pipeline) fetchAndDecode(c *call) (res *Resource, err error) {
	if p.misses != nil {
		if missed := p.misses.Recall(c.key.String()); missed != nil {
			p.stats.missesRecalled.Add(1)
			return nil, fmt.Errorf("%w: %w", ErrFetchFailed, missed)
		}
	}

	permit, err := p.limiter.Acquire(p.ctx)
	if err != nil {
		if p.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	data, err := func() (data []byte, err error) {
		defer p.limiter.Release(permit)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("fetcher panic: %v", r)
			}
		}()
		p.stats.fetches.Add(1)
		return p.fetcher.Fetch(p.ctx, c.locator)
	}()
	if err != nil {
		p.stats.fetchFailures.Add(1)
		if p.misses != nil {
			p.misses.Remember(c.key.String(), err)
		}
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	res, err = p.decoder.Decode(c.key, data)
	if err != nil {
		p.stats.decodeFailures.Add(1)
		if !errors.Is(err, ErrDecodeFailed) {
			err = fmt.Errorf("%w: %w", ErrDecodeFailed, err)
		}
		return nil, err
	}
	return res, nil
}

// readDisk 读取失败（非 ErrNotFound）时记录日志并按未命中处理。
func (p *Pipeline) readDisk(ctx context.Context, key cache.Key) (*Resource, bool) {
	if p.disk == nil {
		return nil, false
	}
	p.stats.diskReads.Add(1)
	data, err := p.disk.Read(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotFound), ctx.Err() != nil:
		return nil, false
	default:
		p.stats.diskErrors.Add(1)
		p.logger.WithError(err).
			WithFields(logging.ResolveFields("disk_read", key.String(), string(TierDisk))).
			Warn("disk_read_failed")
		return nil, false
	}

	res, err := p.decoder.Decode(key, data)
	if err != nil {
		p.stats.diskErrors.Add(1)
		p.logger.WithError(err).
			WithFields(logging.ResolveFields("disk_read", key.String(), string(TierDisk))).
			Warn("disk_entry_corrupt")
		return nil, false
	}
	p.stats.diskHits.Add(1)
	p.putMemory(key, res)
	return res, true
}

func (p *Pipeline) putMemory(key cache.Key, res *Resource) {
	if !p.memory.Put(key, res, res.Cost()) {
		fields := logging.ResolveFields("memory_put", key.String(), string(TierMemory))
		fields["cost"] = res.Cost()
		p.logger.WithFields(fields).Debug("memory_admission_rejected")
	}
}

// writeDisk 写盘失败只记录日志，资源仍从内存投递。
func (p *Pipeline) writeDisk(key cache.Key, data []byte) {
	if p.disk == nil {
		return
	}
	if _, err := p.disk.Write(context.WithoutCancel(p.ctx), key, data); err != nil {
		p.stats.diskErrors.Add(1)
		p.logger.WithError(err).
			WithFields(logging.ResolveFields("disk_write", key.String(), string(TierDisk))).
			Warn("disk_write_failed")
		return
	}
	p.stats.diskWrites.Add(1)
}

// deliver 切换到 Dispatcher 上执行最终的身份校验，再交给 Receiver。
func (p *Pipeline) deliver(b *Binding, key cache.Key, res *Resource, err error) {
	p.dispatcher.Dispatch(func() {
		if !b.Expects(key) {
			p.stats.dropped.Add(1)
			fields := logging.ResolveFields("deliver", key.String(), "")
			fields["binding"] = b.ID()
			p.logger.WithFields(fields).Debug("delivery_dropped")
			return
		}
		if err != nil {
			if fr, ok := b.receiver.(FailureReceiver); ok {
				fr.ResourceFailed(b, key, err)
			}
			return
		}
		if b.receiver == nil {
			return
		}
		p.stats.delivered.Add(1)
		b.receiver.ResourceReady(b, res)
	})
}

func failureAction(err error) string {
	switch {
	case errors.Is(err, ErrDecodeFailed):
		return "decode_failed"
	case errors.Is(err, ErrClosed):
		return "fetch_cancelled"
	default:
		return "fetch_failed"
	}
}
