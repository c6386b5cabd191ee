package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/config"
	"github.com/any-hub/imgcache/internal/fetch"
	"github.com/any-hub/imgcache/internal/logging"
	"github.com/any-hub/imgcache/internal/pipeline"
	"github.com/any-hub/imgcache/internal/server"
	"github.com/any-hub/imgcache/internal/server/routes"
	"github.com/any-hub/imgcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	preload     []string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["storage_path"] = cfg.Global.StoragePath
		fields["fetch_concurrency"] = cfg.Global.FetchConcurrency
		fields["preload"] = len(cfg.Preload)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 磁盘缓存 → 内存缓存 → 回源限流 → Pipeline → Fiber server，
	// 所有请求共享同一套缓存与限流实例。
	rt, err := newServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	if len(opts.preload) > 0 {
		return runPreload(rt, opts.preload, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go cache.RunPruner(ctx, rt.store, cfg.Global.PrunePolicy(), cfg.Global.DiskPruneInterval.DurationValue(), func(report cache.PruneReport, err error) {
		fields := logging.BaseFields("disk_prune", opts.configPath)
		fields["scanned"] = report.Scanned
		fields["removed"] = report.Removed
		fields["removed_bytes"] = humanize.IBytes(uint64(report.RemovedBytes))
		fields["kept_bytes"] = humanize.IBytes(uint64(report.KeptBytes))
		if err != nil {
			logger.WithError(err).WithFields(fields).Warn("disk_prune_failed")
			return
		}
		logger.WithFields(fields).Info("disk_prune")
	})

	if len(cfg.Preload) > 0 {
		if err := rt.pipeline.Preload(cfg.Preload, nil); err != nil {
			logger.WithError(err).WithFields(logging.BaseFields("preload", opts.configPath)).Warn("startup preload skipped")
		}
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = rt.store.BasePath()
	fields["memory_budget"] = cfg.Global.MaxMemoryCache.String()
	fields["disk_budget"] = cfg.Global.DiskMaxBytes.String()
	fields["fetch_concurrency"] = cfg.Global.FetchConcurrency
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("imgcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		showVer     bool
		preloadFlag string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMGCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&preloadFlag, "preload", "", "逗号分隔的图片地址，预热缓存后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("IMGCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		preload:     splitList(preloadFlag),
	}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// services 持有进程内共享的缓存与 Pipeline。
type services struct {
	store    *cache.FileStore
	memory   *cache.Memory[*pipeline.Resource]
	pipeline *pipeline.Pipeline
	notFound *fetch.NotFoundCache
}

func newServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	memory, err := cache.NewMemory[*pipeline.Resource](cfg.Global.MaxMemoryCache.Int64())
	if err != nil {
		return nil, fmt.Errorf("初始化内存缓存失败: %w", err)
	}

	limiter := fetch.NewLimiter(cfg.Global.LimiterOptions())
	client := fetch.NewUpstreamClient(cfg.Global.UpstreamTimeout.DurationValue())
	fetcher := fetch.NewRetryFetcher(
		fetch.NewHTTPFetcher(client, cfg.Global.UserAgent),
		cfg.Global.RetryOptions(),
	)
	notFound := fetch.NewNotFoundCache(cfg.Global.NotFoundTTL.DurationValue())

	opts := pipeline.Options{
		Memory:  memory,
		Disk:    store,
		Fetcher: fetcher,
		Limiter: limiter,
		Logger:  logger,
	}
	if notFound != nil {
		opts.Misses = notFound
	}
	p, err := pipeline.New(opts)
	if err != nil {
		if notFound != nil {
			notFound.Stop()
		}
		memory.Close()
		return nil, err
	}

	return &services{
		store:    store,
		memory:   memory,
		pipeline: p,
		notFound: notFound,
	}, nil
}

// Close 先关闭 Pipeline（等待回源与投递结束），再释放内存缓存。
func (rt *services) Close() {
	_ = rt.pipeline.Close()
	if rt.notFound != nil {
		rt.notFound.Stop()
	}
	rt.memory.Close()
}

// runPreload 执行一次批量预热并等待完成信号，任一失败返回非零退出码。
func runPreload(rt *services, locators []string, logger *logrus.Logger) int {
	reports := make(chan pipeline.PreloadReport, 1)
	if err := rt.pipeline.Preload(locators, func(r pipeline.PreloadReport) { reports <- r }); err != nil {
		fmt.Fprintf(stdErr, "预热失败: %v\n", err)
		return 1
	}
	report := <-reports

	fmt.Fprintf(stdOut, "preload: requested=%d succeeded=%d failed=%d elapsed=%s\n",
		report.Requested, report.Succeeded, len(report.Failed), report.Elapsed.Round(time.Millisecond))
	for _, locator := range report.Failed {
		fmt.Fprintf(stdOut, "  failed: %s\n", locator)
	}
	if len(report.Failed) > 0 {
		logger.WithFields(logrus.Fields{"action": "preload", "failed": report.Failed}).Warn("preload finished with failures")
		return 1
	}
	return 0
}

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *services, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:         logger,
		Images:         rt.pipeline,
		RequestTimeout: 2 * cfg.Global.UpstreamTimeout.DurationValue(),
	})
	if err != nil {
		return err
	}
	routes.RegisterAdminRoutes(app, rt.pipeline, rt.memory, logger, 0)
	server.RegisterFallback(app)

	go func() {
		<-ctx.Done()
		logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号，停止 Fiber 服务")
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
