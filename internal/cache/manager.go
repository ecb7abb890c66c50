package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modhub/internal/host"
	"github.com/any-hub/modhub/internal/logging"
	"github.com/any-hub/modhub/internal/metrics"
)

// SizeFunc 计算某个 specifier 对应实例的字节数。
type SizeFunc func(specifier string, value any) int64

// DependencyFunc 提取实例依赖的 specifier 列表。
type DependencyFunc func(specifier string, value any) []string

// Metadata 驱动 LRU 淘汰，与 Registry 的模块记录无关。
type Metadata struct {
	Specifier    string    `json:"specifier"`
	Dependencies []string  `json:"dependencies"`
	Size         int64     `json:"size"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Options 控制 Manager 的容量与可插拔函数。
type Options struct {
	// Host 负责把 specifier 加载为实例，必填。
	Host host.Loadable

	// MaxCacheSize 为 0 或负数时不淘汰。
	MaxCacheSize int64

	// SizeFunc 为空时所有条目大小视为 0，此时永远不会触发淘汰。
	SizeFunc SizeFunc

	DependencyFunc DependencyFunc
	Now            func() time.Time
	Logger         logrus.FieldLogger
	Metrics        *metrics.Collector
}

// Manager 是以 specifier 为键、按总大小限制的 LRU 缓存。
type Manager struct {
	host    host.Loadable
	maxSize int64
	sizeOf  SizeFunc
	depsOf  DependencyFunc
	now     func() time.Time
	logger  logrus.FieldLogger
	metrics *metrics.Collector

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
}

type entry struct {
	value any
	meta  Metadata
	// seq 在时间戳相同时区分访问先后。
	seq uint64
}

// NewManager 创建 Manager。
func NewManager(opts Options) (*Manager, error) {
	if opts.Host == nil {
		return nil, errors.New("host loader is required")
	}
	m := &Manager{
		host:    opts.Host,
		maxSize: opts.MaxCacheSize,
		sizeOf:  opts.SizeFunc,
		depsOf:  opts.DependencyFunc,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		entries: make(map[string]*entry),
	}
	if m.sizeOf == nil {
		m.sizeOf = func(string, any) int64 { return 0 }
	}
	if m.depsOf == nil {
		m.depsOf = func(string, any) []string { return nil }
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	return m, nil
}

// LoadModule 命中时刷新访问时间并返回缓存值；未命中时调用宿主加载、记录元数据并执行淘汰。
// 并发未命中不做去重，先写入者胜出。
func (m *Manager) LoadModule(ctx context.Context, specifier string) (any, error) {
	m.mu.Lock()
	if e, ok := m.entries[specifier]; ok {
		m.touch(e)
		value := e.value
		m.mu.Unlock()
		m.metrics.ObserveCache("hit")
		m.logger.WithFields(logging.SpecifierFields(specifier, true)).Debug("specifier_cache_hit")
		return value, nil
	}
	m.mu.Unlock()

	value, err := m.host.Load(ctx, specifier)
	if err != nil {
		m.metrics.ObserveCache("error")
		m.logger.WithFields(logging.SpecifierFields(specifier, false)).
			WithError(err).
			Warn("specifier_load_failed")
		return nil, err
	}
	m.metrics.ObserveCache("miss")

	meta := Metadata{
		Specifier:    specifier,
		Dependencies: m.depsOf(specifier, value),
		Size:         m.sizeOf(specifier, value),
	}

	m.mu.Lock()
	if e, ok := m.entries[specifier]; ok {
		m.touch(e)
		value = e.value
	} else {
		e := &entry{value: value, meta: meta}
		m.touch(e)
		m.entries[specifier] = e
		m.enforceCacheLimit()
	}
	entries, total := len(m.entries), m.totalSize()
	m.mu.Unlock()

	m.metrics.SetCacheUsage(entries, total)
	m.logger.WithFields(logging.SpecifierFields(specifier, false)).
		WithField("size", meta.Size).
		Debug("specifier_cached")
	return value, nil
}

// touch 需在持锁状态下调用。
func (m *Manager) touch(e *entry) {
	m.seq++
	e.seq = m.seq
	e.meta.LastAccessed = m.now()
}

// enforceCacheLimit 在总大小超过上限时按 LastAccessed 升序淘汰，需在持锁状态下调用。
func (m *Manager) enforceCacheLimit() {
	if m.maxSize <= 0 {
		return
	}
	total := m.totalSize()
	if total <= m.maxSize {
		return
	}

	victims := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		a, b := victims[i].meta.LastAccessed, victims[j].meta.LastAccessed
		if !a.Equal(b) {
			return a.Before(b)
		}
		return victims[i].seq < victims[j].seq
	})

	for _, e := range victims {
		if total <= m.maxSize {
			break
		}
		delete(m.entries, e.meta.Specifier)
		total -= e.meta.Size
		m.metrics.ObserveEviction()
		m.logger.WithFields(logging.SpecifierFields(e.meta.Specifier, false)).
			WithField("size", e.meta.Size).
			Debug("specifier_evicted")
	}
}

func (m *Manager) totalSize() int64 {
	var total int64
	for _, e := range m.entries {
		total += e.meta.Size
	}
	return total
}

// Has 判断 specifier 是否在缓存中，不刷新访问时间。
func (m *Manager) Has(specifier string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[specifier]
	return ok
}

// Metadata 返回 specifier 的元数据副本。
func (m *Manager) Metadata(specifier string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[specifier]
	if !ok {
		return Metadata{}, false
	}
	meta := e.meta
	meta.Dependencies = append([]string(nil), e.meta.Dependencies...)
	return meta, true
}

// Len 返回缓存条目数。
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// TotalSize 返回全部条目大小之和。
func (m *Manager) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalSize()
}

// Clear 清空全部条目。
func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.mu.Unlock()
	m.metrics.SetCacheUsage(0, 0)
}
