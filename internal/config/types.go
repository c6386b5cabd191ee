package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/fetch"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 是以字节计的容量，配置中可写整数或 "64MiB"、"512 MB" 这类可读形式。
type ByteSize int64

// Int64 returns the size in bytes.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String 以 IEC 单位输出，便于日志阅读。
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

// GlobalConfig 描述进程级运行参数：监听、日志、两级缓存与回源策略。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StoragePath       string   `mapstructure:"StoragePath"`
	MaxMemoryCache    ByteSize `mapstructure:"MaxMemoryCacheSize"`
	DiskMaxBytes      ByteSize `mapstructure:"DiskMaxBytes"`
	DiskMaxAge        Duration `mapstructure:"DiskMaxAge"`
	DiskPruneInterval Duration `mapstructure:"DiskPruneInterval"`

	FetchConcurrency   int      `mapstructure:"FetchConcurrency"`
	FetchRatePerSecond float64  `mapstructure:"FetchRatePerSecond"`
	FetchBurst         int      `mapstructure:"FetchBurst"`
	MaxRetries         int      `mapstructure:"MaxRetries"`
	InitialBackoff     Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	NotFoundTTL        Duration `mapstructure:"NotFoundTTL"`
	UserAgent          string   `mapstructure:"UserAgent"`
}

// Config 是 TOML 文件映射的整体结构。Preload 列出启动后需要预热的地址。
type Config struct {
	Global  GlobalConfig `mapstructure:",squash"`
	Preload []string     `mapstructure:"Preload"`
}

// LimiterOptions 将回源并发/速率配置映射为 fetch.Limiter 参数。
func (g GlobalConfig) LimiterOptions() fetch.LimiterOptions {
	return fetch.LimiterOptions{
		Capacity:      g.FetchConcurrency,
		RatePerSecond: g.FetchRatePerSecond,
		Burst:         g.FetchBurst,
	}
}

// RetryOptions 将重试配置映射为 fetch.RetryFetcher 参数。
func (g GlobalConfig) RetryOptions() fetch.RetryOptions {
	return fetch.RetryOptions{
		MaxRetries:     g.MaxRetries,
		InitialBackoff: g.InitialBackoff.DurationValue(),
	}
}

// PrunePolicy 返回磁盘层的淘汰策略。
func (g GlobalConfig) PrunePolicy() cache.PrunePolicy {
	return cache.PrunePolicy{
		MaxAge:   g.DiskMaxAge.DurationValue(),
		MaxBytes: g.DiskMaxBytes.Int64(),
	}
}
