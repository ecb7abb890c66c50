package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Factory 构造一个模块实例。
type Factory func(ctx context.Context) (any, error)

// ErrFactoryNotFound 表示工厂表中没有该名称。
var ErrFactoryNotFound = errors.New("factory not found")

// FactoryTable 是静态已知的工厂函数表，名称大小写不敏感。
type FactoryTable struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryTable 创建空工厂表。
func NewFactoryTable() *FactoryTable {
	return &FactoryTable{factories: make(map[string]Factory)}
}

// Register 登记工厂，名称重复会返回错误。
func (t *FactoryTable) Register(name string, factory Factory) error {
	key := normalizeKey(name)
	if key == "" {
		return errors.New("factory name is required")
	}
	if factory == nil {
		return fmt.Errorf("factory %s is nil", key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.factories[key]; exists {
		return fmt.Errorf("factory %s already registered", key)
	}
	t.factories[key] = factory
	return nil
}

// MustRegister 在注册失败时 panic，适合程序启动阶段调用。
func (t *FactoryTable) MustRegister(name string, factory Factory) {
	if err := t.Register(name, factory); err != nil {
		panic(err)
	}
}

// Names 返回按名称排序的工厂列表，供诊断使用。
func (t *FactoryTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.factories) == 0 {
		return nil
	}
	names := make([]string, 0, len(t.factories))
	for name := range t.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load 实现 Loadable，ref 即工厂名称。
func (t *FactoryTable) Load(ctx context.Context, ref string) (any, error) {
	key := normalizeKey(ref)

	t.mu.RLock()
	factory, ok := t.factories[key]
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFactoryNotFound, key)
	}
	return factory(ctx)
}
