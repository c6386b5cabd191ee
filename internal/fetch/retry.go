package fetch

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Fetcher retrieves the raw bytes behind a locator.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, locator string) ([]byte, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return f(ctx, locator)
}

// RetryOptions controls RetryFetcher. MaxRetries counts retries after the
// first attempt, so zero disables retrying.
type RetryOptions struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
}

// RetryFetcher 在瞬时错误（网络错误、5xx、429）时按指数退避重试，4xx 直接返回。
type RetryFetcher struct {
	next  Fetcher
	opts  RetryOptions
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryFetcher wraps next. With MaxRetries<=0 it returns next unchanged.
func NewRetryFetcher(next Fetcher, opts RetryOptions) Fetcher {
	if opts.MaxRetries <= 0 {
		return next
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &RetryFetcher{next: next, opts: opts, sleep: sleepContext}
}

func (r *RetryFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		body, err := r.next.Fetch(ctx, locator)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if attempt == r.opts.MaxRetries || !retryable(err) {
			break
		}
		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (r *RetryFetcher) backoff(attempt int) time.Duration {
	delay := float64(r.opts.InitialBackoff) * math.Pow(2, float64(attempt))
	if max := float64(r.opts.MaxBackoff); delay > max {
		delay = max
	}
	if r.opts.Jitter > 0 {
		delay += delay * r.opts.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500 || statusErr.Status == http.StatusTooManyRequests
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
