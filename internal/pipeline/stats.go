package pipeline

import "sync/atomic"

type counters struct {
	memoryHits     atomic.Uint64
	diskReads      atomic.Uint64
	diskHits       atomic.Uint64
	diskErrors     atomic.Uint64
	diskWrites     atomic.Uint64
	fetches        atomic.Uint64
	fetchFailures  atomic.Uint64
	decodeFailures atomic.Uint64
	missesRecalled atomic.Uint64
	coalesced      atomic.Uint64
	delivered      atomic.Uint64
	dropped        atomic.Uint64
}

// Stats 是计数器快照，/-/stats 直接序列化输出。
type Stats struct {
	MemoryHits     uint64 `json:"memory_hits"`
	DiskReads      uint64 `json:"disk_reads"`
	DiskHits       uint64 `json:"disk_hits"`
	DiskErrors     uint64 `json:"disk_errors"`
	DiskWrites     uint64 `json:"disk_writes"`
	Fetches        uint64 `json:"fetches"`
	FetchFailures  uint64 `json:"fetch_failures"`
	DecodeFailures uint64 `json:"decode_failures"`
	// MissesRecalled 统计命中 404 冷却、未占用许可即失败的查找。
	MissesRecalled uint64 `json:"misses_recalled"`
	Coalesced      uint64 `json:"coalesced"`
	Delivered      uint64 `json:"delivered"`
	Dropped        uint64 `json:"dropped"`
	InFlight       int    `json:"in_flight"`
	ActiveFetches  int    `json:"active_fetches"`
	// DispatchQueued 仅在使用自建 SerialDispatcher 时有值。
	DispatchQueued int `json:"dispatch_queued"`
}

func (c *counters) snapshot() Stats {
	return Stats{
		MemoryHits:     c.memoryHits.Load(),
		DiskReads:      c.diskReads.Load(),
		DiskHits:       c.diskHits.Load(),
		DiskErrors:     c.diskErrors.Load(),
		DiskWrites:     c.diskWrites.Load(),
		Fetches:        c.fetches.Load(),
		FetchFailures:  c.fetchFailures.Load(),
		DecodeFailures: c.decodeFailures.Load(),
		MissesRecalled: c.missesRecalled.Load(),
		Coalesced:      c.coalesced.Load(),
		Delivered:      c.delivered.Load(),
		Dropped:        c.dropped.Load(),
	}
}
