package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/any-hub/modhub/internal/host"
	"github.com/any-hub/modhub/internal/metrics"
	"github.com/any-hub/modhub/internal/module"
)

type recordingHost struct {
	mu     sync.Mutex
	calls  map[string]int
	failOn map[string]bool
}

func newRecordingHost() *recordingHost {
	return &recordingHost{calls: make(map[string]int), failOn: make(map[string]bool)}
}

func (h *recordingHost) Load(_ context.Context, ref string) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[ref]++
	if h.failOn[ref] {
		return nil, fmt.Errorf("cannot load %s", ref)
	}
	return "instance:" + ref, nil
}

func (h *recordingHost) setFail(ref string, fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failOn[ref] = fail
}

func (h *recordingHost) count(ref string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[ref]
}

func newTestRegistry(t *testing.T, h host.Loadable, cfgs ...module.Config) *Registry {
	t.Helper()
	reg, err := New(Options{Host: h})
	if err != nil {
		t.Fatalf("registry init failed: %v", err)
	}
	for _, cfg := range cfgs {
		if _, err := reg.Register(cfg); err != nil {
			t.Fatalf("register %s failed: %v", cfg.ID(), err)
		}
	}
	return reg
}

func testConfig(name string, deps ...string) module.Config {
	cfg := module.Config{Name: name, Version: "1.0.0", Entry: "entry-" + name}
	if len(deps) > 0 {
		cfg.Dependencies = make(map[string]string, len(deps))
		for _, dep := range deps {
			cfg.Dependencies[dep] = "1.0.0"
		}
	}
	return cfg
}

func TestNewRequiresHost(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without host")
	}
}

func TestRegisterCreatesLoadingRef(t *testing.T) {
	reg := newTestRegistry(t, newRecordingHost())

	ref, err := reg.Register(testConfig("core"))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if ref.ID() != "core@1.0.0" || ref.State != module.StateLoading || ref.Instance != nil {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if len(ref.Dependencies) != 0 || len(ref.Dependents) != 0 {
		t.Fatalf("new ref should have empty edge sets")
	}
}

func TestRegisterRejectsInvalidConfig(t *testing.T) {
	reg := newTestRegistry(t, newRecordingHost())

	if _, err := reg.Register(module.Config{Name: "core"}); !errors.Is(err, module.ErrInvalidConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestDuplicateRegistrationKeepsOriginal(t *testing.T) {
	reg := newTestRegistry(t, newRecordingHost(), testConfig("core"))

	dup := testConfig("core")
	dup.Entry = "other-entry"
	_, err := reg.Register(dup)
	var dupErr *module.DuplicateModuleError
	if !errors.As(err, &dupErr) || dupErr.ID != "core@1.0.0" {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	ref, ok := reg.ModuleInfo("core@1.0.0")
	if !ok || ref.Config.Entry != "entry-core" {
		t.Fatalf("original ref should be untouched, got %+v", ref)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected a single ref, got %d", reg.Len())
	}
}

func TestRegisterCopiesConfig(t *testing.T) {
	reg := newTestRegistry(t, newRecordingHost())
	cfg := testConfig("app", "core")
	if _, err := reg.Register(cfg); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	cfg.Dependencies["extra"] = "2.0.0"
	deps, _ := reg.DeclaredDependencies("app@1.0.0")
	if diff := cmp.Diff([]string{"core@1.0.0"}, deps); diff != "" {
		t.Fatalf("registered config must not change (-want +got):\n%s", diff)
	}
}

func TestResolveUnknownModule(t *testing.T) {
	reg := newTestRegistry(t, newRecordingHost())

	_, err := reg.Resolve(context.Background(), "ghost@1.0.0")
	var nf *module.ModuleNotFoundError
	if !errors.As(err, &nf) || nf.ID != "ghost@1.0.0" {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveBuildsEdges(t *testing.T) {
	h := newRecordingHost()
	reg := newTestRegistry(t, h,
		testConfig("core"),
		testConfig("utila", "core"),
		testConfig("app", "utila", "core"),
	)

	ref, err := reg.Resolve(context.Background(), "app@1.0.0")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !ref.Ready() || ref.Instance != "instance:entry-app" {
		t.Fatalf("unexpected ref: %+v", ref)
	}

	want := map[string]map[string]struct{}{
		"app@1.0.0":   {"core@1.0.0": {}, "utila@1.0.0": {}},
		"utila@1.0.0": {"core@1.0.0": {}},
		"core@1.0.0":  {},
	}
	if diff := cmp.Diff(want, reg.DependencyGraph()); diff != "" {
		t.Fatalf("graph mismatch (-want +got):\n%s", diff)
	}

	core, _ := reg.ModuleInfo("core@1.0.0")
	if diff := cmp.Diff([]string{"app@1.0.0", "utila@1.0.0"}, core.SortedDependents()); diff != "" {
		t.Fatalf("dependents mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveReadyShortCircuits(t *testing.T) {
	h := newRecordingHost()
	reg := newTestRegistry(t, h, testConfig("core"))

	first, err := reg.Resolve(context.Background(), "core@1.0.0")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	second, err := reg.Resolve(context.Background(), "core@1.0.0")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if first.Instance != second.Instance || h.count("entry-core") != 1 {
		t.Fatalf("ready ref must not be instantiated again")
	}
}

func TestResolveErrorWrapsInstantiation(t *testing.T) {
	h := newRecordingHost()
	h.setFail("entry-core", true)
	reg := newTestRegistry(t, h, testConfig("core"))

	_, err := reg.Resolve(context.Background(), "core@1.0.0")
	var inst *module.InstantiationError
	if !errors.As(err, &inst) || inst.ID != "core@1.0.0" || inst.Entry != "entry-core" {
		t.Fatalf("expected instantiation error, got %v", err)
	}

	ref, _ := reg.ModuleInfo("core@1.0.0")
	if ref.State != module.StateError || ref.Err == nil || ref.Instance != nil {
		t.Fatalf("expected error state, got %+v", ref)
	}
}

func TestResolveAfterErrorRewalksDependencies(t *testing.T) {
	h := newRecordingHost()
	h.setFail("entry-app", true)
	reg := newTestRegistry(t, h, testConfig("core"), testConfig("app", "core"))

	if _, err := reg.Resolve(context.Background(), "app@1.0.0"); err == nil {
		t.Fatalf("expected first resolve to fail")
	}
	if ref, _ := reg.ModuleInfo("app@1.0.0"); ref.State != module.StateError {
		t.Fatalf("expected error state, got %s", ref.State)
	}

	h.setFail("entry-app", false)
	ref, err := reg.Resolve(context.Background(), "app@1.0.0")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !ref.Ready() {
		t.Fatalf("retry should reach ready, got %s", ref.State)
	}
	if got := h.count("entry-app"); got != 2 {
		t.Fatalf("expected a fresh instantiation attempt, got %d", got)
	}
	if got := h.count("entry-core"); got != 1 {
		t.Fatalf("ready dependency must not be instantiated again, got %d", got)
	}
}

func TestDependencyFailureMarksDependent(t *testing.T) {
	h := newRecordingHost()
	h.setFail("entry-core", true)
	reg := newTestRegistry(t, h, testConfig("core"), testConfig("app", "core"))

	_, err := reg.Resolve(context.Background(), "app@1.0.0")
	if !module.IsInstantiation(err) {
		t.Fatalf("expected wrapped instantiation error, got %v", err)
	}
	if h.count("entry-app") != 0 {
		t.Fatalf("dependent must not be instantiated")
	}

	app, _ := reg.ModuleInfo("app@1.0.0")
	if app.State != module.StateError {
		t.Fatalf("expected dependent in error state, got %s", app.State)
	}
	// 失败后依赖边仍然保留。
	if _, ok := app.Dependencies["core@1.0.0"]; !ok {
		t.Fatalf("edges recorded before the failure should be kept")
	}
}

func TestResolveMissingDependency(t *testing.T) {
	reg := newTestRegistry(t, newRecordingHost(), testConfig("app", "ghost"))

	_, err := reg.Resolve(context.Background(), "app@1.0.0")
	if !module.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveDetectsCycle(t *testing.T) {
	h := newRecordingHost()
	reg := newTestRegistry(t, h, testConfig("a", "b"), testConfig("b", "a"))

	_, err := reg.Resolve(context.Background(), "a@1.0.0")
	if !errors.Is(err, module.ErrDependencyCycle) {
		t.Fatalf("expected dependency cycle, got %v", err)
	}
	var cycle *module.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected cycle error, got %T", err)
	}
	if diff := cmp.Diff([]string{"a@1.0.0", "b@1.0.0", "a@1.0.0"}, cycle.Path); diff != "" {
		t.Fatalf("cycle path mismatch (-want +got):\n%s", diff)
	}
	if h.count("entry-a")+h.count("entry-b") != 0 {
		t.Fatalf("cyclic modules must not be instantiated")
	}
}

func TestDependencyGraphIsCopy(t *testing.T) {
	reg := newTestRegistry(t, newRecordingHost(), testConfig("core"), testConfig("app", "core"))
	if _, err := reg.Resolve(context.Background(), "app@1.0.0"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	graph := reg.DependencyGraph()
	graph["app@1.0.0"]["intruder@1.0.0"] = struct{}{}
	delete(graph, "core@1.0.0")

	fresh := reg.DependencyGraph()
	if _, ok := fresh["app@1.0.0"]["intruder@1.0.0"]; ok {
		t.Fatalf("mutating the returned graph must not affect the registry")
	}
	if _, ok := fresh["core@1.0.0"]; !ok {
		t.Fatalf("deleting from the returned graph must not affect the registry")
	}

	info, _ := reg.ModuleInfo("app@1.0.0")
	info.Dependencies["intruder@1.0.0"] = struct{}{}
	again, _ := reg.ModuleInfo("app@1.0.0")
	if _, ok := again.Dependencies["intruder@1.0.0"]; ok {
		t.Fatalf("module info must return a snapshot")
	}
}

func TestListIsSorted(t *testing.T) {
	reg := newTestRegistry(t, newRecordingHost(), testConfig("zeta"), testConfig("alpha"), testConfig("mid"))

	var ids []string
	for _, ref := range reg.List() {
		ids = append(ids, ref.ID())
	}
	if diff := cmp.Diff([]string{"alpha@1.0.0", "mid@1.0.0", "zeta@1.0.0"}, ids); diff != "" {
		t.Fatalf("list order mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveRecordsMetrics(t *testing.T) {
	collector := metrics.New()
	reg, err := New(Options{Host: newRecordingHost(), Metrics: collector})
	if err != nil {
		t.Fatalf("registry init failed: %v", err)
	}
	if _, err := reg.Register(testConfig("core")); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := reg.Resolve(context.Background(), "core@1.0.0"); err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
	}

	families, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	results := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "modhub_registry_resolutions_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "result" {
					results[label.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	if diff := cmp.Diff(map[string]float64{"ok": 1, "hit": 1}, results); diff != "" {
		t.Fatalf("resolution metrics mismatch (-want +got):\n%s", diff)
	}
}
