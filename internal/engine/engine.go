// Package engine wires the registry, loader and specifier cache around a single
// host loader. An Engine is an explicitly constructed object: tests and the CLI
// build independent instances and tear them down with Close.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modhub/internal/cache"
	"github.com/any-hub/modhub/internal/host"
	"github.com/any-hub/modhub/internal/loader"
	"github.com/any-hub/modhub/internal/logging"
	"github.com/any-hub/modhub/internal/metrics"
	"github.com/any-hub/modhub/internal/module"
	"github.com/any-hub/modhub/internal/registry"
	"github.com/any-hub/modhub/internal/resolver"
)

// ErrClosed 在 Close 之后调用加载接口时返回。
var ErrClosed = errors.New("engine closed")

// Options 控制 Engine 的组成部分。
type Options struct {
	// Host 同时服务 Registry 与 CacheManager，必填。
	Host host.Loadable

	Logger         logrus.FieldLogger
	Metrics        *metrics.Collector
	MaxCacheSize   int64
	SizeFunc       cache.SizeFunc
	DependencyFunc cache.DependencyFunc
}

// Engine 汇总 Registry、Loader 与 CacheManager。
type Engine struct {
	registry *registry.Registry
	loader   *loader.Loader
	cache    *cache.Manager
	metrics  *metrics.Collector
	logger   logrus.FieldLogger
	closed   atomic.Bool
}

// Report 是某个模块依赖树的诊断视图。
type Report struct {
	Root       string              `json:"root"`
	Tree       map[string][]string `json:"tree"`
	Cycles     [][]string          `json:"cycles"`
	Order      []string            `json:"order,omitempty"`
	OrderError string              `json:"order_error,omitempty"`
}

// New 构建 Engine。
func New(opts Options) (*Engine, error) {
	if opts.Host == nil {
		return nil, errors.New("host loader is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	reg, err := registry.New(registry.Options{
		Host:    opts.Host,
		Logger:  logger.WithField("component", "registry"),
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}
	ld, err := loader.New(loader.Options{
		Registry: reg,
		Logger:   logger.WithField("component", "loader"),
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init loader: %w", err)
	}
	cm, err := cache.NewManager(cache.Options{
		Host:           opts.Host,
		MaxCacheSize:   opts.MaxCacheSize,
		SizeFunc:       opts.SizeFunc,
		DependencyFunc: opts.DependencyFunc,
		Logger:         logger.WithField("component", "cache"),
		Metrics:        opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	return &Engine{
		registry: reg,
		loader:   ld,
		cache:    cm,
		metrics:  opts.Metrics,
		logger:   logger,
	}, nil
}

// Registry 返回引擎持有的模块注册表。
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Loader 返回按 id 去重加载的 Loader。
func (e *Engine) Loader() *loader.Loader { return e.loader }

// Cache 返回按 specifier 缓存的 CacheManager。
func (e *Engine) Cache() *cache.Manager { return e.cache }

// Metrics 返回引擎的指标收集器，可能为 nil。
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// Register 登记单个描述符。
func (e *Engine) Register(cfg module.Config) (module.Ref, error) {
	if e.closed.Load() {
		return module.Ref{}, ErrClosed
	}
	return e.registry.Register(cfg)
}

// RegisterAll 按顺序登记描述符，遇到首个错误即停止。
func (e *Engine) RegisterAll(cfgs []module.Config) error {
	for _, cfg := range cfgs {
		if _, err := e.Register(cfg); err != nil {
			return fmt.Errorf("register %s: %w", cfg.ID(), err)
		}
	}
	return nil
}

// Load 通过 Loader 加载模块。
func (e *Engine) Load(ctx context.Context, id string) (module.Instance, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.loader.Load(ctx, id)
}

// Preload 在后台加载模块，返回的 channel 在加载结束后关闭。
func (e *Engine) Preload(ctx context.Context, id string) <-chan struct{} {
	if e.closed.Load() {
		done := make(chan struct{})
		close(done)
		return done
	}
	return e.loader.Preload(ctx, id)
}

// PreloadAll 预加载全部已登记模块并等待结束，单个模块失败不会中断其它模块。
func (e *Engine) PreloadAll(ctx context.Context) {
	refs := e.registry.List()
	pending := make([]<-chan struct{}, 0, len(refs))
	for _, ref := range refs {
		pending = append(pending, e.Preload(ctx, ref.ID()))
	}
	for _, done := range pending {
		<-done
	}
}

// LoadSpecifier 通过 CacheManager 按 specifier 加载。
func (e *Engine) LoadSpecifier(ctx context.Context, specifier string) (any, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.cache.LoadModule(ctx, specifier)
}

// ClearCache 清空 Loader 的就绪缓存。
func (e *Engine) ClearCache() {
	e.loader.ClearCache()
}

// Tree 返回 id 的依赖树、环与加载顺序，环不会导致错误。
func (e *Engine) Tree(id string) Report {
	tree := resolver.ResolveTree(e.registry, id)
	report := Report{
		Root:   id,
		Tree:   tree.Lists(),
		Cycles: resolver.DetectCycles(tree),
	}
	if report.Cycles == nil {
		report.Cycles = [][]string{}
	}
	order, err := resolver.LoadOrder(tree)
	if err != nil {
		report.OrderError = err.Error()
	} else {
		report.Order = order
	}
	return report
}

// Close 清空两层缓存并拒绝后续加载。Registry 不会被清空。
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.loader.ClearCache()
	e.cache.Clear()
	e.logger.WithFields(logrus.Fields{
		"action":  "engine_close",
		"modules": e.registry.Len(),
	}).Info("engine closed")
	return nil
}
