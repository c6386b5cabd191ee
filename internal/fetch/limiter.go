// Package fetch holds the network side of the pipeline: the concurrency gate
// in front of upstream fetches, the shared HTTP client, and an opt-in retry
// decorator.
package fetch

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultConcurrency 是默认的回源并发上限：同时最多两个下载。
const DefaultConcurrency = 2

// LimiterOptions 控制并发上限与可选的速率整形。
type LimiterOptions struct {
	Capacity int
	// RatePerSecond 为 0 时不做速率限制，只限制并发。
	RatePerSecond float64
	Burst         int
}

// Limiter caps the number of in-flight fetches. Acquire blocks until a permit
// is free or ctx is done; ordering between waiters is not guaranteed.
type Limiter struct {
	capacity int64
	sem      *semaphore.Weighted
	pace     *rate.Limiter
	active   atomic.Int64
}

// Permit is returned by Acquire and must be handed back through Release.
type Permit struct {
	released atomic.Bool
}

// NewLimiter 构造并发闸门，Capacity<=0 时回退到 DefaultConcurrency。
func NewLimiter(opts LimiterOptions) *Limiter {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultConcurrency
	}
	l := &Limiter{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		l.pace = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return l
}

// Acquire 获取一个许可；若配置了速率整形，拿到许可后还需等待令牌。
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if l.pace != nil {
		if err := l.pace.Wait(ctx); err != nil {
			l.sem.Release(1)
			return nil, err
		}
	}
	l.active.Add(1)
	return &Permit{}, nil
}

// Release 归还许可。同一个 Permit 重复归还会返回错误而不会多释放信号量。
func (l *Limiter) Release(p *Permit) error {
	if p == nil {
		return errors.New("nil permit")
	}
	if !p.released.CompareAndSwap(false, true) {
		return errors.New("permit already released")
	}
	l.active.Add(-1)
	l.sem.Release(1)
	return nil
}

// Capacity returns the configured permit count.
func (l *Limiter) Capacity() int {
	return int(l.capacity)
}

// Active returns the number of permits currently held.
func (l *Limiter) Active() int {
	return int(l.active.Load())
}
