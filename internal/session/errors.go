package session

import (
	"errors"
	"net/http"
)

type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeConcurrencyLost   Code = "CONCURRENCY_LOST"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodeTransient         Code = "TRANSIENT"
	CodeFatal             Code = "FATAL"
)

// HTTPStatus 错误码到 HTTP 状态码。ConcurrencyLost / ResourceExhausted 属于信息性结果
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodeConcurrencyLost, CodeResourceExhausted:
		return http.StatusOK
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable 只有存储/锁等待类错误可整体重试
func (c Code) Retryable() bool { return c == CodeTransient }

type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is 按错误码匹配
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// 供 errors.Is 使用的哨兵
var (
	ErrNotFound          = New(CodeNotFound, "not found")
	ErrInvalidState      = New(CodeInvalidState, "invalid state")
	ErrConcurrencyLost   = New(CodeConcurrencyLost, "concurrency lost")
	ErrResourceExhausted = New(CodeResourceExhausted, "resource exhausted")
	ErrTransient         = New(CodeTransient, "transient")
	ErrFatal             = New(CodeFatal, "fatal")

	// ErrDuplicateCode 显示码冲突，调用方重新生成
	ErrDuplicateCode = errors.New("duplicate session code")
)

// CodeOf 取错误码；非领域错误视为 Fatal
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeFatal
}
