package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modhub/internal/config"
	"github.com/any-hub/modhub/internal/engine"
	"github.com/any-hub/modhub/internal/host"
	"github.com/any-hub/modhub/internal/logging"
	"github.com/any-hub/modhub/internal/server"
	"github.com/any-hub/modhub/internal/server/routes"
	"github.com/any-hub/modhub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	treeID      string
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
		fields["modules"] = len(cfg.Modules)
		fields["module_ids"] = cfg.ModuleIDs()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 宿主加载能力 → Engine → Fiber server”顺序，
	// 所有请求共享同一个 Engine，方便观察缓存与加载指标。
	eng, err := server.NewEngine(cfg, logger, builtinFactories())
	if err != nil {
		fmt.Fprintf(stdErr, "初始化模块引擎失败: %v\n", err)
		return 1
	}
	defer eng.Close()

	if opts.treeID != "" {
		return printTree(eng, opts.treeID)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["modules"] = len(cfg.Modules)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["max_cache_size"] = cfg.Global.MaxCacheSize
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Global.PreloadOnStart {
		go func() {
			eng.PreloadAll(ctx)
			logger.WithFields(logrus.Fields{
				"action":  "preload",
				"modules": len(cfg.Modules),
				"cached":  eng.Loader().Len(),
			}).Info("模块预加载完成")
		}()
	}

	if err := startHTTPServer(ctx, cfg, eng, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("modhub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		treeID     string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MODHUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&treeID, "tree", "", "打印指定模块（name@version）的依赖树后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MODHUB_CONFIG")
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
		treeID:      treeID,
	}, nil
}

// printTree 以 JSON 输出依赖树报告，存在依赖环时返回非零退出码。
func printTree(eng *engine.Engine, id string) int {
	report := eng.Tree(id)
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(stdErr, "输出依赖树失败: %v\n", err)
		return 1
	}
	if len(report.Cycles) > 0 {
		fmt.Fprintf(stdErr, "检测到 %d 个依赖环\n", len(report.Cycles))
		return 1
	}
	return 0
}

// builtinFactories 注册随二进制发布的 factory: 模块。
func builtinFactories() *host.FactoryTable {
	table := host.NewFactoryTable()
	table.MustRegister("noop", func(context.Context) (any, error) {
		return struct{}{}, nil
	})
	table.MustRegister("version", func(context.Context) (any, error) {
		return version.Full(), nil
	})
	return table
}

func startHTTPServer(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Engine:     eng,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterModuleRoutes(app, eng)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.Global.ShutdownTimeout.DurationValue()
	logger.WithFields(logrus.Fields{
		"action":  "shutdown",
		"timeout": timeout.String(),
	}).Info("Fiber 服务关闭")
	if err := app.ShutdownWithTimeout(timeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
