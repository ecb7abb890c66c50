package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modhub/internal/host"
)

// SchemeFactory/SchemeFile 是 Entry 支持的引用前缀。
const (
	SchemeFactory = "factory"
	SchemeFile    = "file"
)

var supportedSchemes = map[string]struct{}{
	SchemeFactory: {},
	SchemeFile:    {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
// 版本号只校验 semver 格式，不做任何范围解析。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxCacheSize <= 0 {
		return newFieldError("Global.MaxCacheSize", "必须大于 0")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", fmt.Sprintf("无法识别: %s", g.LogLevel))
	}

	seen := map[string]struct{}{}
	for i := range c.Modules {
		m := &c.Modules[i]
		if m.Name == "" {
			return newFieldError("Module[].Name", "不能为空")
		}
		if m.Version == "" {
			return newFieldError(moduleField(m.Name, "Version"), "不能为空")
		}
		if _, err := semver.NewVersion(m.Version); err != nil {
			return newFieldError(moduleField(m.Name, "Version"), fmt.Sprintf("不是合法的 semver: %s", m.Version))
		}
		id := m.ID()
		if _, exists := seen[id]; exists {
			return newFieldError(moduleField(id, "Name"), "重复")
		}
		seen[id] = struct{}{}

		if err := validateEntry(m.Entry); err != nil {
			return fmt.Errorf("%s: %w", moduleField(id, "Entry"), err)
		}
		if err := validateDependencies(m.Dependencies); err != nil {
			return fmt.Errorf("%s: %w", moduleField(id, "Dependencies"), err)
		}
		if err := validateDependencies(m.DevDependencies); err != nil {
			return fmt.Errorf("%s: %w", moduleField(id, "DevDependencies"), err)
		}
	}

	return nil
}

func validateEntry(entry string) error {
	if entry == "" {
		return errors.New("Entry 不能为空")
	}
	scheme, _, ok := host.SplitRef(entry)
	if !ok {
		return fmt.Errorf("Entry 必须形如 scheme:ref: %s", entry)
	}
	if _, ok := supportedSchemes[scheme]; !ok {
		return fmt.Errorf("仅支持 factory/file，得到: %s", scheme)
	}
	return nil
}

func validateDependencies(deps map[string]string) error {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == "" {
			return errors.New("依赖名不能为空")
		}
		version := deps[name]
		if _, err := semver.NewVersion(version); err != nil {
			return fmt.Errorf("依赖 %s 的版本不是合法的 semver: %q", name, version)
		}
	}
	return nil
}
