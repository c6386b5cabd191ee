package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// PrunePolicy bounds the disk tier. A zero field disables that bound.
type PrunePolicy struct {
	MaxAge   time.Duration
	MaxBytes int64
}

// Enabled reports whether any bound is configured.
func (p PrunePolicy) Enabled() bool {
	return p.MaxAge > 0 || p.MaxBytes > 0
}

// PruneReport 汇总一次清理的结果，供日志输出。
type PruneReport struct {
	Scanned      int   `json:"scanned"`
	Removed      int   `json:"removed"`
	RemovedBytes int64 `json:"removed_bytes"`
	KeptBytes    int64 `json:"kept_bytes"`
}

type prunedFile struct {
	path    string
	size    int64
	modTime time.Time
}

// Prune 先删除超过 MaxAge 的条目，再按 ModTime 从旧到新删除，直到总量不超过 MaxBytes。
// 残留的临时文件（写入中途崩溃）超过一小时也会被清理。
func (s *FileStore) Prune(ctx context.Context, policy PrunePolicy) (PruneReport, error) {
	var report PruneReport
	now := s.now()

	var files []prunedFile
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if isTempFile(d.Name()) {
			if now.Sub(info.ModTime()) > time.Hour {
				_ = os.Remove(path)
			}
			return nil
		}
		report.Scanned++
		files = append(files, prunedFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return report, err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	var total int64
	for _, f := range files {
		total += f.size
	}

	remove := func(f prunedFile) error {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		report.Removed++
		report.RemovedBytes += f.size
		total -= f.size
		return nil
	}

	kept := files[:0]
	for _, f := range files {
		if policy.MaxAge > 0 && now.Sub(f.modTime) > policy.MaxAge {
			if err := remove(f); err != nil {
				return report, err
			}
			continue
		}
		kept = append(kept, f)
	}

	if policy.MaxBytes > 0 {
		for _, f := range kept {
			if total <= policy.MaxBytes {
				break
			}
			if err := remove(f); err != nil {
				return report, err
			}
		}
	}

	report.KeptBytes = total
	return report, nil
}

// RunPruner 立即执行一次清理，随后每隔 interval 重复，直到 ctx 结束。
// 每轮结果通过 observe 回调交给调用方记录。
func RunPruner(ctx context.Context, store *FileStore, policy PrunePolicy, interval time.Duration, observe func(PruneReport, error)) {
	if store == nil || !policy.Enabled() {
		return
	}
	run := func() {
		report, err := store.Prune(ctx, policy)
		if observe != nil && ctx.Err() == nil {
			observe(report, err)
		}
	}

	run()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
