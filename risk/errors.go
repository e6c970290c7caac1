package risk

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration 配置错误，启动阶段即终止。
	ErrConfiguration = errors.New("configuration error")
	// ErrSizing 价格缺失或非正，跳过本轮该品种。
	ErrSizing = errors.New("sizing error")
	// ErrInvariantViolation 仓位不变式被破坏，属于程序错误。
	ErrInvariantViolation = errors.New("invariant violation")
)

// ConfigurationError 描述具体的配置问题（如未知市场类型）。
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Configf 构造 ConfigurationError。
func Configf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SizingError 记录无法计算目标数量的原因。
type SizingError struct {
	InstrumentID string
	Price        float64
	Reason       string
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("sizing %s: %s (price=%v)", e.InstrumentID, e.Reason, e.Price)
}

func (e *SizingError) Is(target error) bool { return target == ErrSizing }

// InvariantViolation 表示即将写入账本的状态不合法。
type InvariantViolation struct {
	InstrumentID string
	Rule         string
	Detail       string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %q violated for %s: %s", e.Rule, e.InstrumentID, e.Detail)
}

func (e *InvariantViolation) Is(target error) bool { return target == ErrInvariantViolation }
