package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modhub/internal/module"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ModuleFields 提供模块 id/状态/命中情况字段，供 Registry 与 Loader 日志复用。
func ModuleFields(id string, state module.State, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"module_id": id,
		"state":     string(state),
		"cache_hit": cacheHit,
	}
}

// SpecifierFields 提供 CacheManager 日志字段。
func SpecifierFields(specifier string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"specifier": specifier,
		"cache_hit": cacheHit,
	}
}
