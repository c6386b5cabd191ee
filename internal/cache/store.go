package cache

import (
	"context"
	"errors"
	"time"
)

// Store 负责磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<digest[0:2]>/<digest>    # 原始字节
//
// 其中 digest 为 Key 的 sha1，文件的 ModTime/Size 由文件系统提供。
type Store interface {
	// Read 返回 key 对应的完整字节。若不存在则返回 ErrNotFound。
	Read(ctx context.Context, key Key) ([]byte, error)

	// Write 将 data 落盘并产出新的 Entry。实现需通过临时文件 + rename 保证并发读取
	// 只会看到旧内容或新内容，同一 key 的写入相互串行。
	Write(ctx context.Context, key Key, data []byte) (*Entry, error)

	// Remove 删除 key 对应的文件，不存在时视为成功。
	Remove(ctx context.Context, key Key) error
}

// Entry 描述一个磁盘缓存条目。
type Entry struct {
	Key       Key       `json:"key,omitempty"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
