package module

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig 表示描述符缺少 name 或 version。
var ErrInvalidConfig = errors.New("invalid module config")

// ErrDependencyCycle 表示解析过程中沿当前路径重新进入了同一个模块。
var ErrDependencyCycle = errors.New("dependency cycle")

// DuplicateModuleError 在重复注册同一 name@version 时返回。
type DuplicateModuleError struct {
	ID string
}

func (e *DuplicateModuleError) Error() string {
	return fmt.Sprintf("module %s already registered", e.ID)
}

// ModuleNotFoundError 表示 Registry 中不存在该 id。
type ModuleNotFoundError struct {
	ID string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module %s not found", e.ID)
}

// InstantiationError 包装宿主加载能力在实例化阶段返回的错误。
type InstantiationError struct {
	ID    string
	Entry string
	Cause error
}

func (e *InstantiationError) Error() string {
	msg := "instantiation of " + e.ID + " failed"
	if e.Entry != "" {
		msg += " (entry " + e.Entry + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *InstantiationError) Unwrap() error {
	return e.Cause
}

// CycleError 携带触发 ErrDependencyCycle 的解析路径。
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %v", e.Path)
}

func (e *CycleError) Unwrap() error {
	return ErrDependencyCycle
}

// IsNotFound 判断 err 链中是否存在 ModuleNotFoundError。
func IsNotFound(err error) bool {
	var target *ModuleNotFoundError
	return errors.As(err, &target)
}

// IsInstantiation 判断 err 链中是否存在 InstantiationError。
func IsInstantiation(err error) bool {
	var target *InstantiationError
	return errors.As(err, &target)
}
