package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码，对调用方保持稳定。
type Code string

// Kind 描述错误所属的分类，决定传播与重试策略。
type Kind string

const (
	// KindValidation 表示请求参数不合法，状态未发生任何变化。
	KindValidation Kind = "validation"
	// KindStateConflict 表示操作与记录的当前状态不兼容。
	KindStateConflict Kind = "state_conflict"
	// KindAuthorization 表示调用方不是该操作要求的参与方。
	KindAuthorization Kind = "authorization"
	// KindNotFound 表示记录不存在。
	KindNotFound Kind = "not_found"
	// KindResource 表示外部资源暂不可用，内部会带退避重试。
	KindResource Kind = "resource"
	// KindTimeout 表示截止时间驱动的路径。
	KindTimeout Kind = "timeout"
	// KindInternal 表示未归类的内部错误。
	KindInternal Kind = "internal"
)

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
	Kind      Kind
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInvalidState          Code = "INVALID_STATE"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Kind:     KindInternal,
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeInvalidArgument: {
			Message:  "invalid argument",
			Kind:     KindValidation,
			Severity: SeverityInfo,
		},
		CodeNotFound: {
			Message:  "resource not found",
			Kind:     KindNotFound,
			Severity: SeverityInfo,
		},
		CodeConflict: {
			Message:  "resource conflict",
			Kind:     KindStateConflict,
			Severity: SeverityWarning,
		},
		CodeInvalidState: {
			Message:  "operation not valid in current state",
			Kind:     KindStateConflict,
			Severity: SeverityInfo,
		},
		CodeUnauthorized: {
			Message:  "actor is not permitted to perform this operation",
			Kind:     KindAuthorization,
			Severity: SeverityWarning,
		},
		CodeRetriesExhausted: {
			Message:  "retries exhausted",
			Kind:     KindResource,
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeInitializationFailure: {
			Message:   "service not initialized",
			Kind:      KindInternal,
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Kind:      KindResource,
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeQueueFailure: {
			Message:   "queue failure",
			Kind:      KindResource,
			Severity:  SeverityWarning,
			Retryable: true,
		},
		CodeTimeout: {
			Message:   "operation timed out",
			Kind:      KindTimeout,
			Severity:  SeverityInfo,
			Retryable: false,
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if attr.Kind == "" {
		attr.Kind = KindInternal
	}
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	state     string
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
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

// WithState 附带记录当前的权威状态，便于调用方无副作用地对账。
func WithState(state string) Option {
	return func(e *Error) {
		e.state = state
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
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

// With 基于当前错误复制出一个附带新选项的实例，哨兵错误本身保持不变。
func (e *Error) With(opts ...Option) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.metadata = e.Metadata()
	for _, opt := range opts {
		if opt != nil {
			opt(&clone)
		}
	}
	return &clone
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("[%s] %s", e.code, e.message)
	if e.state != "" {
		msg += fmt.Sprintf(" (state=%s)", e.state)
	}
	if e.cause != nil {
		msg += fmt.Sprintf(": %v", e.cause)
	}
	return msg
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

// Kind 返回错误码对应的分类。
func (e *Error) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return AttributesOf(e.code).Kind
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// State 返回错误发生时记录的权威状态。
func (e *Error) State() string {
	if e == nil {
		return ""
	}
	return e.state
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

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
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

// KindOf 返回错误分类，未知错误视为 internal。
func KindOf(err error) Kind {
	if e, ok := From(err); ok {
		return e.Kind()
	}
	return KindInternal
}

// StateOf 返回错误携带的权威状态。
func StateOf(err error) string {
	if e, ok := From(err); ok {
		return e.State()
	}
	return ""
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
