package cache

import (
	"errors"

	"github.com/dgraph-io/ristretto/v2"
)

// Memory is the in-process tier, backed by ristretto. Entries are bounded by
// a total cost budget; any entry may disappear at any time, so a miss after a
// prior hit is normal.
//
// 淘汰走 ristretto 的采样 LFU，不是严格的 LRU。预算吃紧时 admission 策略可能拒绝
// 新写入，此时 Put 返回 false，调用方照常把资源交给等待者，下次查找再从磁盘补回。
type Memory[V any] struct {
	rc *ristretto.Cache[string, V]
}

// NewMemory 以 maxCost 作为总成本预算创建内存缓存，成本由调用方在 Put 时给出（通常是字节数）。
func NewMemory[V any](maxCost int64) (*Memory[V], error) {
	if maxCost <= 0 {
		return nil, errors.New("memory cache budget must be positive")
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters:        counterHint(maxCost),
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
		Metrics:            true,
	})
	if err != nil {
		return nil, err
	}
	return &Memory[V]{rc: rc}, nil
}

// counterHint sizes the admission counters at roughly ten per expected entry,
// assuming entries average 4KiB of cost.
func counterHint(maxCost int64) int64 {
	n := maxCost / 4096 * 10
	if n < 1000 {
		n = 1000
	}
	return n
}

// Get returns the value for key, or false on a miss.
func (m *Memory[V]) Get(key Key) (V, bool) {
	return m.rc.Get(string(key))
}

// Put 写入一条记录并等待其对后续 Get 可见。cost 超出整个预算时直接丢弃，返回 false。
func (m *Memory[V]) Put(key Key, value V, cost int64) bool {
	if cost < 1 {
		cost = 1
	}
	ok := m.rc.Set(string(key), value, cost)
	m.rc.Wait()
	return ok
}

// Delete removes key if present.
func (m *Memory[V]) Delete(key Key) {
	m.rc.Del(string(key))
}

// Clear drops every entry.
func (m *Memory[V]) Clear() {
	m.rc.Clear()
}

// Evicted reports how many keys the cost policy has reclaimed so far.
func (m *Memory[V]) Evicted() uint64 {
	return m.rc.Metrics.KeysEvicted()
}

// Close releases the background goroutines held by ristretto.
func (m *Memory[V]) Close() {
	m.rc.Close()
}
