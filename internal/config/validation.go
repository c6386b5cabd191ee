package config

import (
	"errors"
	"fmt"

	"github.com/any-hub/imgcache/internal/cache"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxMemoryCache <= 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "必须大于 0")
	}
	if g.DiskMaxBytes < 0 {
		return newFieldError("Global.DiskMaxBytes", "不能为负数")
	}
	if g.DiskMaxAge.DurationValue() < 0 {
		return newFieldError("Global.DiskMaxAge", "不能为负数")
	}
	if g.DiskPruneInterval.DurationValue() < 0 {
		return newFieldError("Global.DiskPruneInterval", "不能为负数")
	}
	if g.FetchConcurrency <= 0 {
		return newFieldError("Global.FetchConcurrency", "必须大于 0")
	}
	if g.FetchRatePerSecond < 0 {
		return newFieldError("Global.FetchRatePerSecond", "不能为负数")
	}
	if g.FetchBurst < 0 {
		return newFieldError("Global.FetchBurst", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.NotFoundTTL.DurationValue() < 0 {
		return newFieldError("Global.NotFoundTTL", "不能为负数")
	}

	for i, locator := range c.Preload {
		if _, err := cache.KeyFor(locator); err != nil {
			return fmt.Errorf("%s: %w", preloadField(i), err)
		}
	}
	return nil
}
