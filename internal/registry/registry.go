// Package registry is the authoritative store of module descriptors, their
// lifecycle state and the dependency/dependents graph.
//
// Refs are never removed: the Registry has no eviction policy and grows for the
// lifetime of the process. Only the ready state short-circuits Resolve; a ref in
// the error state is retried from scratch on the next call, and concurrent Resolve
// calls for the same id are not deduplicated here (the loader package does that).
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/any-hub/modhub/internal/host"
	"github.com/any-hub/modhub/internal/logging"
	"github.com/any-hub/modhub/internal/metrics"
	"github.com/any-hub/modhub/internal/module"
)

// Options 描述构造 Registry 所需的协作者。
type Options struct {
	// Host 负责把 Config.Entry 实例化为模块，必填。
	Host host.Loadable

	Logger  logrus.FieldLogger
	Metrics *metrics.Collector
}

// Registry 保存全部模块记录，所有字段由 mu 保护，宿主加载期间不持锁。
type Registry struct {
	mu   sync.RWMutex
	refs map[string]*record

	host    host.Loadable
	logger  logrus.FieldLogger
	metrics *metrics.Collector
}

// record 是 Ref 的可变内部表示，只通过 snapshot 对外暴露。
type record struct {
	config       module.Config
	instance     module.Instance
	dependencies map[string]struct{}
	dependents   map[string]struct{}
	state        module.State
	err          error
}

// New 创建 Registry。
func New(opts Options) (*Registry, error) {
	if opts.Host == nil {
		return nil, errors.New("host loader is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		refs:    make(map[string]*record),
		host:    opts.Host,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Register 登记描述符并返回 loading 状态的 Ref，不做任何实例化。
func (r *Registry) Register(cfg module.Config) (module.Ref, error) {
	if cfg.Name == "" || cfg.Version == "" {
		return module.Ref{}, fmt.Errorf("%w: name and version are required", module.ErrInvalidConfig)
	}
	id := cfg.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.refs[id]; exists {
		return module.Ref{}, &module.DuplicateModuleError{ID: id}
	}
	rec := &record{
		config:       cfg.Clone(),
		dependencies: make(map[string]struct{}),
		dependents:   make(map[string]struct{}),
		state:        module.StateLoading,
	}
	r.refs[id] = rec

	r.logger.WithFields(logging.ModuleFields(id, rec.state, false)).Debug("module_registered")
	return rec.snapshot(), nil
}

// Resolve 解析 id 及其依赖子树并实例化模块。
func (r *Registry) Resolve(ctx context.Context, id string) (module.Ref, error) {
	return r.resolve(ctx, id, nil)
}

func (r *Registry) resolve(ctx context.Context, id string, parent *pathNode) (module.Ref, error) {
	if parent.contains(id) {
		return module.Ref{}, &module.CycleError{Path: append(parent.ids(), id)}
	}

	r.mu.Lock()
	rec, ok := r.refs[id]
	if !ok {
		r.mu.Unlock()
		r.metrics.ObserveResolution("error")
		return module.Ref{}, &module.ModuleNotFoundError{ID: id}
	}
	if rec.state == module.StateReady {
		snap := rec.snapshot()
		r.mu.Unlock()
		r.metrics.ObserveResolution("hit")
		return snap, nil
	}
	rec.state = module.StateLoading
	rec.err = nil
	cfg := rec.config
	r.mu.Unlock()

	node := &pathNode{id: id, parent: parent}
	deps := cfg.DependencyIDs()
	if len(deps) > 0 {
		p := pool.New().WithErrors()
		for _, depID := range deps {
			p.Go(func() error {
				r.link(id, depID)
				_, err := r.resolve(ctx, depID, node)
				return err
			})
		}
		if err := p.Wait(); err != nil {
			return module.Ref{}, r.fail(id, fmt.Errorf("resolve dependencies of %s: %w", id, err))
		}
	}

	value, err := r.host.Load(ctx, cfg.Entry)
	r.metrics.ObserveInstantiation(err)
	if err != nil {
		return module.Ref{}, r.fail(id, &module.InstantiationError{ID: id, Entry: cfg.Entry, Cause: err})
	}

	r.mu.Lock()
	// 并发的解析尝试可能已先一步完成，instance 只写入一次。
	if rec.state != module.StateReady {
		rec.instance = value
		rec.state = module.StateReady
		rec.err = nil
	}
	snap := rec.snapshot()
	r.mu.Unlock()

	r.metrics.ObserveResolution("ok")
	r.logger.WithFields(logging.ModuleFields(id, snap.State, false)).Debug("module_ready")
	return snap, nil
}

// link 记录 id → depID 依赖边以及 depID 的反向引用。边不是事务性的，失败后保留。
func (r *Registry) link(id, depID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.refs[id]; ok {
		rec.dependencies[depID] = struct{}{}
	}
	if dep, ok := r.refs[depID]; ok {
		dep.dependents[id] = struct{}{}
	}
}

func (r *Registry) fail(id string, err error) error {
	r.mu.Lock()
	if rec, ok := r.refs[id]; ok && rec.state != module.StateReady {
		rec.state = module.StateError
		rec.err = err
	}
	r.mu.Unlock()

	r.metrics.ObserveResolution("error")
	r.logger.WithFields(logging.ModuleFields(id, module.StateError, false)).
		WithError(err).
		Warn("module_resolve_failed")
	return err
}

// DependencyGraph 返回 id → 依赖 id 集合的副本，调用方修改不会影响 Registry。
func (r *Registry) DependencyGraph() map[string]map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graph := make(map[string]map[string]struct{}, len(r.refs))
	for id, rec := range r.refs {
		graph[id] = module.CloneSet(rec.dependencies)
	}
	return graph
}

// ModuleInfo 返回 id 对应记录的快照。
func (r *Registry) ModuleInfo(id string) (module.Ref, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.refs[id]
	if !ok {
		return module.Ref{}, false
	}
	return rec.snapshot(), true
}

// DeclaredDependencies 返回描述符中声明的依赖 id，不要求模块已解析。
func (r *Registry) DeclaredDependencies(id string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.refs[id]
	if !ok {
		return nil, false
	}
	return rec.config.DependencyIDs(), true
}

// List 返回按 id 排序的全部记录快照。
func (r *Registry) List() []module.Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.refs))
	for id := range r.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]module.Ref, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.refs[id].snapshot())
	}
	return out
}

// Len 返回已登记的模块数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}

// snapshot 需在持锁状态下调用。
func (rec *record) snapshot() module.Ref {
	return module.Ref{
		Config:       rec.config.Clone(),
		Instance:     rec.instance,
		Dependencies: module.CloneSet(rec.dependencies),
		Dependents:   module.CloneSet(rec.dependents),
		State:        rec.state,
		Err:          rec.err,
	}
}

// pathNode 记录当前解析路径，用于识别沿路径重新进入的依赖环。
type pathNode struct {
	id     string
	parent *pathNode
}

func (p *pathNode) contains(id string) bool {
	for n := p; n != nil; n = n.parent {
		if n.id == id {
			return true
		}
	}
	return false
}

func (p *pathNode) ids() []string {
	var out []string
	for n := p; n != nil; n = n.parent {
		out = append(out, n.id)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
