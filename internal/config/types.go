package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/modhub/internal/module"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	MaxCacheSize    int64    `mapstructure:"MaxCacheSize"`
	SizeFromFile    bool     `mapstructure:"SizeFromFile"`
	PreloadOnStart  bool     `mapstructure:"PreloadOnStart"`
	ShutdownTimeout Duration `mapstructure:"ShutdownTimeout"`
}

// ModuleConfig 是 [[Module]] 表在 TOML 中的映射。
type ModuleConfig struct {
	Name            string            `mapstructure:"Name"`
	Version         string            `mapstructure:"Version"`
	Entry           string            `mapstructure:"Entry"`
	Dependencies    map[string]string `mapstructure:"Dependencies"`
	DevDependencies map[string]string `mapstructure:"DevDependencies"`
	Permissions     []string          `mapstructure:"Permissions"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Modules []ModuleConfig `mapstructure:"Module"`
}

// ID 返回模块的 name@version。
func (m ModuleConfig) ID() string {
	return module.ID(m.Name, m.Version)
}

// Descriptor 将配置项转换为引擎使用的模块描述符。
func (m ModuleConfig) Descriptor() module.Config {
	return module.Config{
		Name:            m.Name,
		Version:         m.Version,
		Dependencies:    m.Dependencies,
		DevDependencies: m.DevDependencies,
		Entry:           m.Entry,
		Permissions:     m.Permissions,
	}.Clone()
}

// Descriptors 按配置顺序返回全部模块描述符。
func (c *Config) Descriptors() []module.Config {
	if c == nil || len(c.Modules) == 0 {
		return nil
	}
	out := make([]module.Config, len(c.Modules))
	for i, m := range c.Modules {
		out[i] = m.Descriptor()
	}
	return out
}

// ModuleIDs 返回全部模块 id，供日志字段使用。
func (c *Config) ModuleIDs() []string {
	if c == nil || len(c.Modules) == 0 {
		return nil
	}
	out := make([]string, len(c.Modules))
	for i, m := range c.Modules {
		out[i] = m.ID()
	}
	return out
}
