package pipeline

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/imgcache/internal/logging"
)

// PreloadReport 描述一次批量预热的结果，仅在所有条目尝试结束后产生一次。
type PreloadReport struct {
	Requested int           `json:"requested"`
	Succeeded int           `json:"succeeded"`
	Failed    []string      `json:"failed,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Preload 对每个 locator 发起一次查找（复用分层与请求合并），不阻塞调用方。
// 全部尝试结束后 done 恰好被调用一次，执行于 Dispatcher 上。
// 非法 locator 计入失败，不影响其它条目。
func (p *Pipeline) Preload(locators []string, done func(PreloadReport)) error {
	if p.isClosed() {
		return ErrClosed
	}

	started := time.Now()
	snapshot := append([]string(nil), locators...)

	ok := p.spawn(func() {
		var (
			mu     sync.Mutex
			report = PreloadReport{Requested: len(snapshot)}
		)

		var g errgroup.Group
		for _, locator := range snapshot {
			g.Go(func() error {
				_, _, err := p.Get(p.ctx, locator)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Failed = append(report.Failed, locator)
					return nil
				}
				report.Succeeded++
				return nil
			})
		}
		_ = g.Wait()
		report.Elapsed = time.Since(started)

		fields := logging.ResolveFields("preload", "", "")
		fields["requested"] = report.Requested
		fields["succeeded"] = report.Succeeded
		fields["failed"] = len(report.Failed)
		p.logger.WithFields(fields).Info("preload_complete")

		if done != nil {
			p.dispatcher.Dispatch(func() { done(report) })
		}
	})
	if !ok {
		return ErrClosed
	}
	return nil
}
