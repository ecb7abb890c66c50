package module

import (
	"sort"
	"strings"
)

// State 描述 Ref 的生命周期阶段。
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Instance 是宿主加载能力返回的模块实例，对引擎而言完全不透明。
type Instance any

// Config 是不可变的模块描述符。
type Config struct {
	Name    string
	Version string

	// Dependencies 记录依赖名到版本字符串的映射，键唯一。
	Dependencies map[string]string

	// DevDependencies 仅作信息展示，引擎不会解析。
	DevDependencies map[string]string

	// Entry 交由宿主加载能力解释，引擎不关心其格式。
	Entry string

	// Permissions 仅作信息展示，引擎不做任何校验。
	Permissions []string
}

// ID 返回描述符对应的模块 id。
func (c Config) ID() string {
	return ID(c.Name, c.Version)
}

// DependencyIDs 按字典序返回声明依赖对应的模块 id。
func (c Config) DependencyIDs() []string {
	if len(c.Dependencies) == 0 {
		return nil
	}
	ids := make([]string, 0, len(c.Dependencies))
	for name, version := range c.Dependencies {
		ids = append(ids, ID(name, version))
	}
	sort.Strings(ids)
	return ids
}

// Clone 深拷贝描述符，Registry 据此保证登记后的配置不可被调用方修改。
func (c Config) Clone() Config {
	out := c
	out.Dependencies = cloneStringMap(c.Dependencies)
	out.DevDependencies = cloneStringMap(c.DevDependencies)
	if c.Permissions != nil {
		out.Permissions = append([]string(nil), c.Permissions...)
	}
	return out
}

// ID 拼接 name@version。
func ID(name, version string) string {
	return name + "@" + version
}

// ParseID 在最后一个 @ 处拆分 id，兼容 @scope/pkg@1.0.0 形式的名称。
func ParseID(id string) (name, version string, ok bool) {
	idx := strings.LastIndex(id, "@")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

// Ref 是 Registry 中的一条模块记录。Registry 对外只返回快照，集合字段均为副本。
//
// Dependents 是非拥有的反向引用，只用于诊断与观测，不参与生命周期管理或遍历顺序；
// 不要把它改成拥有关系，否则会在 Ref 之间形成引用环。
type Ref struct {
	Config       Config
	Instance     Instance
	Dependencies map[string]struct{}
	Dependents   map[string]struct{}
	State        State
	Err          error
}

// ID 返回记录对应的模块 id。
func (r Ref) ID() string {
	return r.Config.ID()
}

// Ready 表示模块已完成实例化。
func (r Ref) Ready() bool {
	return r.State == StateReady
}

// SortedDependencies 返回排好序的依赖 id，便于日志与诊断输出。
func (r Ref) SortedDependencies() []string {
	return SortedSet(r.Dependencies)
}

// SortedDependents 返回排好序的反向依赖 id。
func (r Ref) SortedDependents() []string {
	return SortedSet(r.Dependents)
}

// SortedSet 将集合转换为有序切片，空集合返回空切片而非 nil。
func SortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloneSet 复制 id 集合。
func CloneSet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for id := range set {
		out[id] = struct{}{}
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
