package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，决定错误在边界处记录的日志级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message    string
	Severity   Severity
	HTTPStatus int
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeMissingParameter      Code = "MISSING_PARAMETER"
	CodeSessionNotFound       Code = "SESSION_NOT_FOUND"
	CodeModelInvocation       Code = "MODEL_INVOCATION_FAILED"
	CodeExternalFetch         Code = "EXTERNAL_FETCH_FAILED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
)

var registry = map[Code]Attributes{
	CodeUnknown: {
		Message:    "unknown error",
		Severity:   SeverityCritical,
		HTTPStatus: http.StatusInternalServerError,
	},
	CodeInvalidArgument: {
		Message:    "invalid argument",
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	},
	CodeNotFound: {
		Message:    "resource not found",
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	},
	CodeMissingParameter: {
		Message:    "missing required parameter",
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	},
	CodeSessionNotFound: {
		Message:    "session not found",
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	},
	CodeModelInvocation: {
		Message:    "model invocation failed",
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusBadGateway,
	},
	CodeExternalFetch: {
		Message:    "external fetch failed",
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusBadGateway,
	},
	CodeInitializationFailure: {
		Message:    "service not initialized",
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusServiceUnavailable,
	},
	CodeStorageFailure: {
		Message:    "storage failure",
		Severity:   SeverityCritical,
		HTTPStatus: http.StatusInternalServerError,
	},
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否包含指定错误码。
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus 返回错误对应的 HTTP 状态码。
func HTTPStatus(err error) int {
	status := AttributesOf(CodeOf(err)).HTTPStatus
	if status == 0 {
		return http.StatusInternalServerError
	}
	return status
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
