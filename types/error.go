package types

import "fmt"

// ErrorCode represents a unified error code across the retrieval core.
type ErrorCode string

const (
	ErrNotReady  ErrorCode = "NOT_READY" // 存储/连接池未初始化
	ErrEncoding  ErrorCode = "ENCODING"  // embedding 失败
	ErrSearch    ErrorCode = "SEARCH"    // 存储查询失败
	ErrRerank    ErrorCode = "RERANK"    // 外部重排服务失败
	ErrIngestion ErrorCode = "INGESTION" // 摄取流程失败
	ErrInternal  ErrorCode = "INTERNAL"  // 未分类内部错误
)

// Error represents a structured error with code, message, and cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Wrap 是 NewError(...).WithCause(...) 的简写。
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
