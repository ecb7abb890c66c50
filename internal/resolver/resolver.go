// Package resolver implements the graph algorithms run over registry data:
// building the transitive dependency tree of a module and detecting cycles in it.
//
// ResolveTree and DetectCycles are separate passes. ResolveTree shares
// one visited set across the whole traversal, so a back edge is silently cut and
// the result looks like a DAG. DetectCycles walks the finished tree again while
// tracking the current path and reports every cycle it closes.
package resolver

import (
	"errors"
	"sort"

	"github.com/any-hub/modhub/internal/module"
)

// ErrCycle 表示树中存在依赖环，无法给出加载顺序。
var ErrCycle = errors.New("dependency tree contains a cycle")

// GraphSource 提供某个模块直接依赖的 id，Registry 满足该接口。
type GraphSource interface {
	DeclaredDependencies(id string) ([]string, bool)
}

// GraphSourceFunc 将函数适配为 GraphSource。
type GraphSourceFunc func(id string) ([]string, bool)

// DeclaredDependencies 让 GraphSourceFunc 满足 GraphSource。
func (f GraphSourceFunc) DeclaredDependencies(id string) ([]string, bool) {
	return f(id)
}

// Tree 是 id → 直接依赖 id 集合的邻接表。
type Tree map[string]map[string]struct{}

// ResolveTree 从 rootID 开始深度优先遍历。每个节点只展开一次，未知节点以空集合出现。
func ResolveTree(src GraphSource, rootID string) Tree {
	tree := make(Tree)
	visited := make(map[string]struct{})

	var visit func(id string)
	visit = func(id string) {
		if _, seen := visited[id]; seen {
			return
		}
		visited[id] = struct{}{}

		deps, _ := src.DeclaredDependencies(id)
		set := make(map[string]struct{}, len(deps))
		for _, dep := range deps {
			set[dep] = struct{}{}
		}
		tree[id] = set

		for _, dep := range sortedKeys(set) {
			visit(dep)
		}
	}

	visit(rootID)
	return tree
}

// DetectCycles 在已构建的树上按当前路径深度优先遍历。遇到路径上已有的节点时记录
// 从该节点首次出现到重复节点的闭合序列，并停止沿该分支继续下探。
func DetectCycles(tree Tree) [][]string {
	var cycles [][]string
	done := make(map[string]struct{})
	onPath := make(map[string]int)
	var path []string

	var visit func(id string)
	visit = func(id string) {
		if idx, ok := onPath[id]; ok {
			cycle := append(append([]string(nil), path[idx:]...), id)
			cycles = append(cycles, cycle)
			return
		}
		if _, ok := done[id]; ok {
			return
		}

		onPath[id] = len(path)
		path = append(path, id)
		for _, dep := range sortedKeys(tree[id]) {
			visit(dep)
		}
		path = path[:len(path)-1]
		delete(onPath, id)
		done[id] = struct{}{}
	}

	for _, id := range sortedKeys(tree) {
		visit(id)
	}
	return cycles
}

// LoadOrder 返回依赖优先的加载顺序；树中存在环时返回 ErrCycle。
func LoadOrder(tree Tree) ([]string, error) {
	if len(DetectCycles(tree)) > 0 {
		return nil, ErrCycle
	}

	order := make([]string, 0, len(tree))
	placed := make(map[string]struct{}, len(tree))

	var visit func(id string)
	visit = func(id string) {
		if _, ok := placed[id]; ok {
			return
		}
		placed[id] = struct{}{}
		for _, dep := range sortedKeys(tree[id]) {
			visit(dep)
		}
		order = append(order, id)
	}

	for _, id := range sortedKeys(tree) {
		visit(id)
	}
	return order, nil
}

// Lists 将树转换为 id → 有序依赖切片，便于 JSON 输出。
func (t Tree) Lists() map[string][]string {
	out := make(map[string][]string, len(t))
	for id, deps := range t {
		out[id] = module.SortedSet(deps)
	}
	return out
}

func sortedKeys[V any](set map[string]V) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
