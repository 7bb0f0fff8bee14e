package error

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

// BaseError 基础错误类型
type BaseError struct {
	Code      ErrorCode              `json:"code"`              // 错误的分类代码
	Message   string                 `json:"message"`           // 人类可读的错误信息
	Cause     error                  `json:"-"`                 // 导致此错误的原始错误
	Context   map[string]interface{} `json:"context,omitempty"` // 额外的上下文信息，如 provider、key
	Timestamp time.Time              `json:"timestamp"`         // 错误发生的时间戳
}

// NewError 创建新的基础错误
func NewError(code ErrorCode, message string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// Newf 使用格式化信息创建错误
func Newf(code ErrorCode, format string, args ...interface{}) *BaseError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError 包装现有错误
func WrapError(code ErrorCode, message string, cause error) *BaseError {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// Error 实现 error 接口
func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 支持错误包装
func (e *BaseError) Unwrap() error {
	return e.Cause
}

// Is 按错误代码比较，便于 errors.Is(err, ErrCircuitOpen) 这样的判断
func (e *BaseError) Is(target error) bool {
	if t, ok := target.(*BaseError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *BaseError) WithContext(key string, value interface{}) *BaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// CodeOf 返回错误链中第一个 BaseError 的代码，没有则返回空字符串
func CodeOf(err error) ErrorCode {
	var be *BaseError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// HasCode 判断错误链中是否包含指定代码
func HasCode(err error, code ErrorCode) bool {
	var be *BaseError
	for err != nil {
		if errors.As(err, &be) {
			if be.Code == code {
				return true
			}
			err = be.Cause
			continue
		}
		return false
	}
	return false
}
