package pipeline

import "sync"

// Dispatcher runs delivery callbacks on the collaborator's scheduling context
// (the analogue of a UI main queue). Implementations must run fn eventually
// and must not run two callbacks for the same Dispatcher concurrently if the
// receiver relies on that.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(fn func())

// Dispatch makes DispatcherFunc satisfy Dispatcher.
func (f DispatcherFunc) Dispatch(fn func()) {
	f(fn)
}

// InlineDispatcher runs callbacks on the delivering goroutine.
var InlineDispatcher Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// SerialDispatcher 用单个 goroutine 顺序执行回调，等价于 UI 主队列。
// 队列不设上限，Dispatch 从不阻塞，回调内部可以继续 Dispatch。
type SerialDispatcher struct {
	done    chan struct{}
	onPanic func(any)

	mu      sync.Mutex
	wake    *sync.Cond
	pending []func()
	closed  bool
}

// NewSerialDispatcher starts the delivery goroutine.
func NewSerialDispatcher(onPanic func(any)) *SerialDispatcher {
	d := &SerialDispatcher{
		done:    make(chan struct{}),
		onPanic: onPanic,
	}
	d.wake = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *SerialDispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.wake.Wait()
		}
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			d.run(fn)
		}
	}
}

func (d *SerialDispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil && d.onPanic != nil {
			d.onPanic(r)
		}
	}()
	fn()
}

// Dispatch 入队一个回调；Close 之后的回调会被静默丢弃。
func (d *SerialDispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, fn)
	d.mu.Unlock()
	d.wake.Signal()
}

// Pending reports how many callbacks are queued but not yet started.
func (d *SerialDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops accepting callbacks and waits for the queued ones to finish.
// 不能在回调内部调用，否则会等待自身。
func (d *SerialDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wake.Broadcast()
	<-d.done
}
