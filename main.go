package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cacheproxy/internal/cache"
	"github.com/any-hub/cacheproxy/internal/config"
	"github.com/any-hub/cacheproxy/internal/logging"
	"github.com/any-hub/cacheproxy/internal/metrics"
	"github.com/any-hub/cacheproxy/internal/proxy"
	"github.com/any-hub/cacheproxy/internal/server"
	"github.com/any-hub/cacheproxy/internal/server/routes"
	"github.com/any-hub/cacheproxy/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
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
		for k, v := range logging.CacheFields(cfg.Cache) {
			fields[k] = v
		}
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI 启动遵循“配置 → 磁盘索引 → 指标 → Fiber server”顺序，
	// 保证所有请求共享同一个索引实例。
	index, err := openCache(cfg.Cache, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	if index != nil {
		go index.RunJanitor(ctx, cfg.Cache.SweepInterval.DurationValue())
	}

	registry := newMetricsRegistry(index)
	httpClient := server.NewUpstreamClient(cfg)
	proxyHandler := proxy.NewHandler(httpClient, logger, index, registry.Recorder)

	fields := logging.BaseFields("startup", opts.configPath)
	for k, v := range logging.CacheFields(cfg.Cache) {
		fields[k] = v
	}
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	serveErr := startHTTPServer(ctx, cfg, proxyHandler, index, registry, logger)
	shutdownCache(cfg.Cache, index, logger)
	if serveErr != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", serveErr)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("cacheproxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 CACHEPROXY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("CACHEPROXY_CONFIG")
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
	}, nil
}

// openCache 创建缓存目录并构建索引；缓存关闭时返回 nil。
func openCache(cfg config.CacheConfig, logger *logrus.Logger) (*cache.Index, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, err
	}
	return cache.NewIndex(cfg.Path, cache.Options{
		MaxSize:      cfg.MaxSize,
		MaxEntries:   cfg.MaxEntries,
		MaxAge:       cfg.MaxAge.DurationValue(),
		PurgeOnStart: cfg.PurgeOnStart,
		Logger:       logger,
	})
}

// shutdownCache 在 PurgeOnStart 开启时清空缓存：下次启动也会丢弃这些文件。
func shutdownCache(cfg config.CacheConfig, index *cache.Index, logger *logrus.Logger) {
	if index == nil || !cfg.PurgeOnStart {
		return
	}
	if err := index.Clear(); err != nil {
		logger.WithError(err).WithField("action", "cache_clear").Warn("cache files left behind on shutdown")
	}
}

// newMetricsRegistry 避免把 nil *cache.Index 包装成非 nil 接口。
func newMetricsRegistry(index *cache.Index) *metrics.Registry {
	if index == nil {
		return metrics.NewRegistry(nil)
	}
	return metrics.NewRegistry(index)
}

// buildApp 组装代理与诊断路由。
func buildApp(cfg *config.Config, proxyHandler server.ProxyHandler, index *cache.Index, registry *metrics.Registry, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	var source routes.StatsSource
	if index != nil {
		source = index
	}
	routes.RegisterCacheRoutes(app, source)
	routes.RegisterMetricsRoutes(app, registry.Handler())
	return app, nil
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	proxyHandler server.ProxyHandler,
	index *cache.Index,
	registry *metrics.Registry,
	logger *logrus.Logger,
) error {
	app, err := buildApp(cfg, proxyHandler, index, registry, logger)
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{
		DisableStartupMessage: true,
		GracefulContext:       ctx,
	})
}
