package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/any-hub/modhub/internal/host"
	"github.com/any-hub/modhub/internal/metrics"
)

// fakeClock 每次调用前进一秒，保证 LastAccessed 严格递增。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type countingHost struct {
	mu    sync.Mutex
	calls map[string]int
}

func (h *countingHost) Load(_ context.Context, ref string) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls == nil {
		h.calls = make(map[string]int)
	}
	h.calls[ref]++
	return "value:" + ref, nil
}

func newTestManager(t *testing.T, opts Options) (*Manager, *countingHost) {
	t.Helper()
	h := &countingHost{}
	if opts.Host == nil {
		opts.Host = h
	}
	if opts.Now == nil {
		opts.Now = (&fakeClock{now: time.Unix(0, 0)}).Now
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("manager init failed: %v", err)
	}
	return m, h
}

func constSize(n int64) SizeFunc {
	return func(string, any) int64 { return n }
}

func TestNewManagerRequiresHost(t *testing.T) {
	if _, err := NewManager(Options{}); err == nil {
		t.Fatalf("expected error without host")
	}
}

func TestLoadModuleCachesValue(t *testing.T) {
	m, h := newTestManager(t, Options{})
	ctx := context.Background()

	first, err := m.LoadModule(ctx, "pkg-a")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	second, err := m.LoadModule(ctx, "pkg-a")
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached value, got %v and %v", first, second)
	}
	if h.calls["pkg-a"] != 1 {
		t.Fatalf("expected a single host call, got %d", h.calls["pkg-a"])
	}
}

func TestLoadModuleRefreshesLastAccessed(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	if _, err := m.LoadModule(ctx, "pkg-a"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	before, _ := m.Metadata("pkg-a")
	if _, err := m.LoadModule(ctx, "pkg-a"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	after, _ := m.Metadata("pkg-a")
	if !after.LastAccessed.After(before.LastAccessed) {
		t.Fatalf("hit should refresh last accessed: %v -> %v", before.LastAccessed, after.LastAccessed)
	}
}

func TestDefaultSizeNeverEvicts(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxCacheSize: 1})
	ctx := context.Background()

	for _, spec := range []string{"a", "b", "c", "d", "e"} {
		if _, err := m.LoadModule(ctx, spec); err != nil {
			t.Fatalf("load %s failed: %v", spec, err)
		}
	}
	if m.Len() != 5 || m.TotalSize() != 0 {
		t.Fatalf("expected 5 zero-sized entries, got len=%d size=%d", m.Len(), m.TotalSize())
	}
}

func TestEvictsLeastRecentlyAccessed(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxCacheSize: 30, SizeFunc: constSize(10)})
	ctx := context.Background()

	for _, spec := range []string{"a", "b", "c", "d"} {
		if _, err := m.LoadModule(ctx, spec); err != nil {
			t.Fatalf("load %s failed: %v", spec, err)
		}
	}

	if m.Has("a") {
		t.Fatalf("least recently accessed entry should be evicted")
	}
	for _, spec := range []string{"b", "c", "d"} {
		if !m.Has(spec) {
			t.Fatalf("expected %s to remain cached", spec)
		}
	}
	if m.TotalSize() != 30 {
		t.Fatalf("expected total size 30, got %d", m.TotalSize())
	}
}

func TestAccessReordersEviction(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxCacheSize: 30, SizeFunc: constSize(10)})
	ctx := context.Background()

	for _, spec := range []string{"a", "b", "c", "a", "d"} {
		if _, err := m.LoadModule(ctx, spec); err != nil {
			t.Fatalf("load %s failed: %v", spec, err)
		}
	}

	if !m.Has("a") {
		t.Fatalf("recently accessed entry should survive")
	}
	if m.Has("b") {
		t.Fatalf("b should be the eviction victim")
	}
}

func TestEvictsUntilUnderLimit(t *testing.T) {
	sizes := map[string]int64{"small-1": 5, "small-2": 5, "big": 40}
	m, _ := newTestManager(t, Options{
		MaxCacheSize: 40,
		SizeFunc:     func(spec string, _ any) int64 { return sizes[spec] },
	})
	ctx := context.Background()

	for _, spec := range []string{"small-1", "small-2", "big"} {
		if _, err := m.LoadModule(ctx, spec); err != nil {
			t.Fatalf("load %s failed: %v", spec, err)
		}
	}

	if m.Len() != 1 || !m.Has("big") {
		t.Fatalf("expected only big to remain, len=%d", m.Len())
	}
}

func TestOversizedEntryEvictsEverything(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxCacheSize: 10, SizeFunc: constSize(20)})

	if _, err := m.LoadModule(context.Background(), "huge"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("entry larger than the limit should not stay cached")
	}
}

func TestMetadataUsesDependencyFunc(t *testing.T) {
	m, _ := newTestManager(t, Options{
		SizeFunc: constSize(7),
		DependencyFunc: func(spec string, _ any) []string {
			return []string{spec + "/dep"}
		},
	})

	if _, err := m.LoadModule(context.Background(), "pkg"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	meta, ok := m.Metadata("pkg")
	if !ok {
		t.Fatalf("expected metadata")
	}
	want := Metadata{
		Specifier:    "pkg",
		Dependencies: []string{"pkg/dep"},
		Size:         7,
		LastAccessed: meta.LastAccessed,
	}
	if diff := cmp.Diff(want, meta); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadModuleErrorIsNotCached(t *testing.T) {
	boom := errors.New("boom")
	m, _ := newTestManager(t, Options{
		Host: host.LoadableFunc(func(context.Context, string) (any, error) {
			return nil, boom
		}),
	})

	if _, err := m.LoadModule(context.Background(), "bad"); !errors.Is(err, boom) {
		t.Fatalf("expected host error, got %v", err)
	}
	if m.Has("bad") {
		t.Fatalf("failed specifier must not be cached")
	}
}

func TestClearAndMetrics(t *testing.T) {
	collector := metrics.New()
	m, _ := newTestManager(t, Options{MaxCacheSize: 10, SizeFunc: constSize(10), Metrics: collector})
	ctx := context.Background()

	for _, spec := range []string{"a", "b", "b"} {
		if _, err := m.LoadModule(ctx, spec); err != nil {
			t.Fatalf("load %s failed: %v", spec, err)
		}
	}

	if got := gatheredValue(t, collector, "modhub_cache_evictions_total"); got != 1 {
		t.Fatalf("expected 1 eviction, got %v", got)
	}
	if got := gatheredValue(t, collector, "modhub_cache_entries"); got != 1 {
		t.Fatalf("expected 1 cached entry, got %v", got)
	}

	m.Clear()
	if m.Len() != 0 || m.TotalSize() != 0 {
		t.Fatalf("clear should drop every entry")
	}
}

func gatheredValue(t *testing.T, c *metrics.Collector, name string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}
