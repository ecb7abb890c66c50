// Package loader memoizes module instances on top of the registry and makes sure
// at most one load per module id is in flight at any time. Concurrent callers for
// the same id share the pending result, success or failure.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/modhub/internal/logging"
	"github.com/any-hub/modhub/internal/metrics"
	"github.com/any-hub/modhub/internal/module"
	"github.com/any-hub/modhub/internal/resolver"
)

// Resolver 是 Loader 依赖的 Registry 能力子集。
type Resolver interface {
	resolver.GraphSource
	ModuleInfo(id string) (module.Ref, bool)
	Resolve(ctx context.Context, id string) (module.Ref, error)
}

// Options 描述 Loader 的协作者。
type Options struct {
	Registry Resolver
	Logger   logrus.FieldLogger
	Metrics  *metrics.Collector
}

// PanicError 表示加载 id 的过程中宿主发生了 panic。
type PanicError struct {
	ID    string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("load %s panicked: %v", e.ID, e.Value)
}

// Loader 维护已就绪实例缓存与在途加载表，两者由同一把锁保护。
type Loader struct {
	registry Resolver
	logger   logrus.FieldLogger
	metrics  *metrics.Collector

	mu      sync.Mutex
	cache   map[string]module.Instance
	loading map[string]*call
}

// call 是一次在途加载，done 关闭后 value/err 不再变化。
type call struct {
	done  chan struct{}
	value module.Instance
	err   error
}

// New 创建 Loader。
func New(opts Options) (*Loader, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Loader{
		registry: opts.Registry,
		logger:   logger,
		metrics:  opts.Metrics,
		cache:    make(map[string]module.Instance),
		loading:  make(map[string]*call),
	}, nil
}

// Load 返回 id 对应的模块实例：命中缓存直接返回，已有在途加载则等待其结果，
// 否则发起新的加载。
func (l *Loader) Load(ctx context.Context, id string) (value module.Instance, err error) {
	l.mu.Lock()
	if inst, ok := l.cache[id]; ok {
		l.mu.Unlock()
		l.metrics.ObserveLoad("hit")
		l.logger.WithFields(logging.ModuleFields(id, module.StateReady, true)).Debug("loader_cache_hit")
		return inst, nil
	}
	if c, ok := l.loading[id]; ok {
		l.mu.Unlock()
		l.metrics.ObserveLoad("joined")
		<-c.done
		return c.value, c.err
	}
	c := &call{done: make(chan struct{})}
	l.loading[id] = c
	l.metrics.SetInflight(len(l.loading))
	l.mu.Unlock()

	l.metrics.ObserveLoad("miss")
	// 宿主 panic 时也必须移除在途条目并唤醒等待者，否则该 id 之后的 Load 会永久阻塞。
	defer func() {
		if p := recover(); p != nil {
			c.value, c.err = nil, &PanicError{ID: id, Value: p}
			l.logger.WithFields(logging.ModuleFields(id, module.StateError, false)).
				WithError(c.err).
				Error("loader_panic")
		}
		l.settle(id, c)
		value, err = c.value, c.err
	}()
	c.value, c.err = l.load(ctx, id)
	return c.value, c.err
}

// settle 结束一次在途加载：成功时写入缓存，然后唤醒全部等待者。
func (l *Loader) settle(id string, c *call) {
	l.mu.Lock()
	delete(l.loading, id)
	if c.err == nil {
		l.cache[id] = c.value
	}
	l.metrics.SetInflight(len(l.loading))
	l.mu.Unlock()
	close(c.done)
}

func (l *Loader) load(ctx context.Context, id string) (module.Instance, error) {
	if _, ok := l.registry.ModuleInfo(id); !ok {
		return nil, &module.ModuleNotFoundError{ID: id}
	}

	// 依赖环会让两个在途加载互相等待，这里提前拒绝。
	if cycles := resolver.DetectCycles(resolver.ResolveTree(l.registry, id)); len(cycles) > 0 {
		return nil, &module.CycleError{Path: cycles[0]}
	}

	deps, _ := l.registry.DeclaredDependencies(id)
	if len(deps) > 0 {
		// 不使用 errgroup.WithContext：某个依赖失败不应取消其它调用方可能共享的在途加载。
		var g errgroup.Group
		for _, depID := range deps {
			g.Go(func() error {
				_, err := l.Load(ctx, depID)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			l.logger.WithFields(logging.ModuleFields(id, module.StateError, false)).
				WithError(err).
				Debug("loader_dependency_failed")
			return nil, fmt.Errorf("load dependencies of %s: %w", id, err)
		}
	}

	ref, err := l.registry.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	l.logger.WithFields(logging.ModuleFields(id, ref.State, false)).Debug("loader_loaded")
	return ref.Instance, nil
}

// ClearCache 只清空已就绪缓存，在途加载结束后仍会写回。
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]module.Instance)
}

// Preload 在后台触发 Load 并丢弃结果。返回的 channel 在加载结束后关闭。
func (l *Loader) Preload(ctx context.Context, id string) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		if _, err := l.Load(ctx, id); err != nil {
			l.logger.WithFields(logging.ModuleFields(id, module.StateError, false)).
				WithError(err).
				Debug("loader_preload_failed")
		}
	}()
	return finished
}

// Cached 判断 id 是否已在就绪缓存中。
func (l *Loader) Cached(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.cache[id]
	return ok
}

// InFlight 判断 id 是否存在在途加载。
func (l *Loader) InFlight(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loading[id]
	return ok
}

// Len 返回就绪缓存中的实例数量。
func (l *Loader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}
