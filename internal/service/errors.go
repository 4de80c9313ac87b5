package service

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类
// REST 层（不在本服务内）约定映射：NotFound→404, Conflict→409, Validation→400
type ErrorKind int

const (
	// KindInternal 存储/事务失败；未提交任何部分写入，可安全重试
	KindInternal ErrorKind = iota
	// KindNotFound 事件或提议主体不存在
	KindNotFound
	// KindConflict 状态前置条件不满足（无待确认提议、提议已存在、事件已确认）
	KindConflict
	// KindValidation 输入非法（TTL 非法、截止时间已过、理由超长、非提议人撤回）
	KindValidation
)

// Error 确认工作流的分类错误
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFoundError 创建 NotFound 错误
func NotFoundError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// ConflictError 创建 Conflict 错误
func ConflictError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// ValidationError 创建 Validation 错误
func ValidationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// InternalError 包装存储层错误
func InternalError(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsNotFound 判断是否为 NotFound 错误
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsConflict 判断是否为 Conflict 错误
func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}

// IsValidation 判断是否为 Validation 错误
func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

// IsInternal 判断是否为 Internal 错误
func IsInternal(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindInternal
}
