// Package cache holds the two storage tiers of the image pipeline: a
// cost-bounded in-memory store for decoded resources and a disk-backed store
// for raw bytes under StoragePath/<shard>/<digest>. Disk writes go through a
// temp file + rename so readers only ever observe complete content, and writes
// for the same key are serialized by a refcounted per-key lock. Keys are
// derived from the resource locator so repeated runs reuse the same files.
package cache
