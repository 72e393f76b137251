// Package errors 定义 ChainSage 内统一的错误码体系。
//
// 业务包在 init 阶段通过 Register 声明自身错误码的默认属性（严重程度、是否可重试、
// 是否触发告警），调用方通过 CodeOf / RetryableError / ShouldAlert 统一判定。
package errors

import (
	stdErrors "errors"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeAlreadyCompleted Code = "ALREADY_COMPLETED"
	CodeRetriesExhausted Code = "RETRIES_EXHAUSTED"

	// 以下错误码默认可重试。
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeUpstreamFailure       Code = "UPSTREAM_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

type codeTable struct {
	mu    sync.RWMutex
	attrs map[Code]Attributes
}

func (t *codeTable) set(code Code, attr Attributes) {
	t.mu.Lock()
	t.attrs[code] = attr
	t.mu.Unlock()
}

func (t *codeTable) get(code Code) Attributes {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if attr, ok := t.attrs[code]; ok {
		return attr
	}
	return t.attrs[CodeUnknown]
}

var table = &codeTable{attrs: map[Code]Attributes{
	CodeUnknown:          {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:  {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:         {Message: "resource not found", Severity: SeverityInfo},
	CodeConflict:         {Message: "resource conflict", Severity: SeverityWarning},
	CodeAlreadyCompleted: {Message: "resource already completed", Severity: SeverityInfo},
	CodeRetriesExhausted: {Message: "retries exhausted", Severity: SeverityWarning, Alert: true},

	CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeUpstreamFailure:       {Message: "upstream call failed", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
}}

// Register 声明错误码的默认属性，未指定严重程度时按 warning 处理。重复注册以后者为准。
func Register(code Code, attr Attributes) {
	if attr.Severity == "" {
		attr.Severity = SeverityWarning
	}
	table.set(code, attr)
}

// AttributesOf 返回错误码对应的属性，未注册的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	return table.get(code)
}

// Error 是系统内统一的错误类型。属性在读取时才查询注册表，
// 因此包级变量形式的错误也能拿到 init 中注册的默认值。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	own      Attributes
	mask     attrMask
}

type attrMask uint8

const (
	maskRetryable attrMask = 1 << iota
	maskAlert
	maskSeverity
)

func (e *Error) attributes() Attributes {
	attr := AttributesOf(e.code)
	if e.mask&maskRetryable != 0 {
		attr.Retryable = e.own.Retryable
	}
	if e.mask&maskAlert != 0 {
		attr.Alert = e.own.Alert
	}
	if e.mask&maskSeverity != 0 {
		attr.Severity = e.own.Severity
	}
	return attr
}

// Option 在创建时调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加键值信息，例如缺失的工具名。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.own.Retryable = retryable
		e.mask |= maskRetryable
	}
}

func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.own.Alert = alert
		e.mask |= maskAlert
	}
}

func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.own.Severity = sev
		e.mask |= maskSeverity
	}
}

// New 创建错误；message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在 cause 外包裹统一错误类型，cause 仍可通过 errors.Is / errors.As 取得。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 的格式为 "[CODE] message: cause"。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.code))
	b.WriteString("] ")
	b.WriteString(e.Message())
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码匹配，而不是按实例。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码前缀与 cause 的信息。
func (e *Error) Message() string {
	switch {
	case e == nil:
		return ""
	case e.message == "":
		return AttributesOf(e.code).Message
	default:
		return e.message
	}
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) Retryable() bool { return e != nil && e.attributes().Retryable }

func (e *Error) ShouldAlert() bool { return e != nil && e.attributes().Alert }

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attributes().Severity
}

// From 在 error 链中查找统一错误类型。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链中第一个统一错误的错误码，没有时为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// MessageOf 返回适合展示给调用方的信息：统一错误取其 Message，其余取 Error()。
func MessageOf(err error) string {
	if e, ok := From(err); ok {
		return e.Message()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

func ShouldAlert(err error) bool {
	e, _ := From(err)
	return e.ShouldAlert()
}

// SeverityOf 返回错误严重程度；非统一错误按 UNKNOWN 的严重程度处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// Codes 返回已注册的全部错误码，按字典序排列。
func Codes() []Code {
	table.mu.RLock()
	defer table.mu.RUnlock()
	return slices.Sorted(maps.Keys(table.attrs))
}
