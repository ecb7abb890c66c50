package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Loadable 根据引用产出模块实例，实现方负责引用的具体语义。
type Loadable interface {
	Load(ctx context.Context, ref string) (any, error)
}

// LoadableFunc 将普通函数适配为 Loadable，便于测试注入计数器或故障。
type LoadableFunc func(ctx context.Context, ref string) (any, error)

// Load 让 LoadableFunc 满足 Loadable。
func (f LoadableFunc) Load(ctx context.Context, ref string) (any, error) {
	return f(ctx, ref)
}

// ErrUnknownScheme 表示 Mux 中没有与引用前缀匹配的 Loadable。
var ErrUnknownScheme = errors.New("unknown entry scheme")

// Mux 按 "scheme:rest" 前缀分发到不同的 Loadable，并把 rest 作为引用传入。
type Mux struct {
	mu      sync.RWMutex
	schemes map[string]Loadable
}

// NewMux 创建空的分发器。
func NewMux() *Mux {
	return &Mux{schemes: make(map[string]Loadable)}
}

// Handle 为 scheme 绑定 Loadable，重复绑定返回错误。
func (m *Mux) Handle(scheme string, l Loadable) error {
	key := normalizeKey(scheme)
	if key == "" {
		return errors.New("scheme is required")
	}
	if l == nil {
		return errors.New("loadable is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schemes[key]; exists {
		return fmt.Errorf("scheme %s already registered", key)
	}
	m.schemes[key] = l
	return nil
}

// Schemes 返回已注册的 scheme 列表（有序）。
func (m *Mux) Schemes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.schemes))
	for key := range m.schemes {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Load 实现 Loadable。
func (m *Mux) Load(ctx context.Context, ref string) (any, error) {
	scheme, rest, ok := SplitRef(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, ref)
	}

	m.mu.RLock()
	l := m.schemes[scheme]
	m.mu.RUnlock()

	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
	return l.Load(ctx, rest)
}

// SplitRef 将 "scheme:rest" 拆分为小写 scheme 与 rest。
func SplitRef(ref string) (scheme, rest string, ok bool) {
	idx := strings.Index(ref, ":")
	if idx <= 0 {
		return "", "", false
	}
	scheme = normalizeKey(ref[:idx])
	rest = ref[idx+1:]
	if scheme == "" || rest == "" {
		return "", "", false
	}
	return scheme, rest, true
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
