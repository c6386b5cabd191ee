package pipeline

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/any-hub/imgcache/internal/cache"
)

// Receiver is the presentation side of the pipeline. ResourceReady runs on the
// pipeline's Dispatcher and only while the binding still expects res.Key.
type Receiver interface {
	ResourceReady(b *Binding, res *Resource)
}

// FailureReceiver is optionally implemented by a Receiver that wants to hear
// about failed lookups. It is subject to the same stale-binding check.
type FailureReceiver interface {
	ResourceFailed(b *Binding, key cache.Key, err error)
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(b *Binding, res *Resource)

// ResourceReady makes ReceiverFunc satisfy Receiver.
func (f ReceiverFunc) ResourceReady(b *Binding, res *Resource) {
	f(b, res)
}

// Binding 代表一个展示槽位（例如列表中的一行）及其当前期望的 Key。
// 槽位被复用时调用方重新 Resolve 或 Reset，旧请求的结果会在投递前被丢弃。
// Binding 只持有 Receiver 与身份令牌，不持有展示层的其它状态。
type Binding struct {
	id       string
	receiver Receiver
	expected atomic.Pointer[cache.Key]
}

// NewBinding 创建带随机身份令牌的 Binding。
func NewBinding(receiver Receiver) *Binding {
	return &Binding{
		id:       uuid.NewString(),
		receiver: receiver,
	}
}

// ID returns the binding's identity token.
func (b *Binding) ID() string {
	return b.id
}

// Expect points the binding at key, replacing whatever it expected before.
func (b *Binding) Expect(key cache.Key) {
	b.expected.Store(&key)
}

// Expected returns the key the binding currently expects.
func (b *Binding) Expected() (cache.Key, bool) {
	k := b.expected.Load()
	if k == nil {
		return "", false
	}
	return *k, true
}

// Expects reports whether a delivery for key is still wanted.
func (b *Binding) Expects(key cache.Key) bool {
	k := b.expected.Load()
	return k != nil && *k == key
}

// Reset clears the expectation, so no pending delivery will reach the binding.
func (b *Binding) Reset() {
	b.expected.Store(nil)
}
