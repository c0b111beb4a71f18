package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
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

// Category 描述失败对账本状态的影响，决定调用方能否安全重试。
type Category string

const (
	// CategoryPreflight 表示账本状态未发生变化，可立即重试。
	CategoryPreflight Category = "preflight"
	// CategoryAmbiguous 表示交易已提交但结果未知，禁止自动重试。
	CategoryAmbiguous Category = "ambiguous"
	// CategoryAuthoritative 表示网络或合约明确拒绝，对该作业是终态。
	CategoryAuthoritative Category = "authoritative"
	// CategoryPartial 表示批量执行中的部分成员失败，不视为流程失败。
	CategoryPartial Category = "partial"
	// CategoryInternal 表示本地处理异常。
	CategoryInternal Category = "internal"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Category  Category
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Severity: SeverityCritical,
			Category: CategoryInternal,
			Alert:    true,
		},
		CodeInvalidArgument: {
			Message:  "invalid argument",
			Severity: SeverityInfo,
			Category: CategoryPreflight,
		},
		CodeNotFound: {
			Message:  "resource not found",
			Severity: SeverityInfo,
			Category: CategoryPreflight,
		},
		CodeInitializationFailure: {
			Message:   "service not initialized",
			Severity:  SeverityWarning,
			Category:  CategoryInternal,
			Retryable: true,
			Alert:     true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Severity:  SeverityCritical,
			Category:  CategoryInternal,
			Retryable: true,
			Alert:     true,
		},
		CodeTimeout: {
			Message:   "operation timed out",
			Severity:  SeverityWarning,
			Category:  CategoryAmbiguous,
			Retryable: false,
			Alert:     true,
		},
	}
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 常用的元数据键。
const (
	MetaJobID   = "job_id"
	MetaTxHash  = "tx_hash"
	MetaHireID  = "hire_id"
	MetaAccount = "account"
	MetaReason  = "reason"
	// MetaRecovery 提示用户如何让托管资金回到终态。
	MetaRecovery = "recovery"
)

// Register 在包初始化阶段为错误码登记默认属性，重复登记以后者为准。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码的默认属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。属性在创建时从登记表取默认值，可由 Option 覆盖。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	attrs    Attributes
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

// WithRetryable 覆盖是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.attrs.Retryable = retryable }
}

// WithAlert 覆盖是否告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.attrs.Alert = alert }
}

// WithSeverity 覆盖严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.attrs.Severity = sev }
}

// WithCategory 覆盖分类。
func WithCategory(cat Category) Option {
	return func(e *Error) { e.attrs.Category = cat }
}

// New 创建错误，message 为空时使用登记的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, attrs: AttributesOf(code)}
	e.message = message
	if e.message == "" {
		e.message = e.attrs.Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以 cause 为底层原因创建错误。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，供 errors.Is 使用。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含底层原因的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回元数据副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Meta 读取单个元数据，不存在时返回空字符串。
func (e *Error) Meta(key string) string {
	if e == nil {
		return ""
	}
	return e.metadata[key]
}

func (e *Error) Retryable() bool   { return e != nil && e.attrs.Retryable }
func (e *Error) ShouldAlert() bool { return e != nil && e.attrs.Alert }

// Severity 返回严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attrs.Severity
}

// Category 返回分类。
func (e *Error) Category() Category {
	if e == nil {
		return CategoryInternal
	}
	return e.attrs.Category
}

// From 沿错误链取出最外层的统一错误。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误码，非统一错误为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// CategoryOf 返回分类，非统一错误视为内部错误。
func CategoryOf(err error) Category {
	e, _ := From(err)
	return e.Category()
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

// ShouldAlert 判断任意 error 是否需要告警。
func ShouldAlert(err error) bool {
	e, _ := From(err)
	return e.ShouldAlert()
}

// SeverityOf 返回严重程度，非统一错误按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// Annotate 返回附加了一项元数据的副本，错误码与分类不变。非统一错误原样返回。
func Annotate(err error, key, value string) error {
	e, ok := From(err)
	if !ok {
		return err
	}
	clone := *e
	clone.metadata = maps.Clone(e.metadata)
	if clone.metadata == nil {
		clone.metadata = make(map[string]string, 1)
	}
	clone.metadata[key] = value
	return &clone
}

// MetadataOf 沿错误链查找指定元数据，外层优先。
func MetadataOf(err error, key string) string {
	for e, ok := From(err); ok; e, ok = From(e.cause) {
		if v := e.Meta(key); v != "" {
			return v
		}
	}
	return ""
}

// MergedMetadata 合并错误链上所有统一错误的元数据，同名键以外层为准。
func MergedMetadata(err error) map[string]string {
	var out map[string]string
	for e, ok := From(err); ok; e, ok = From(e.cause) {
		for k, v := range e.metadata {
			if out == nil {
				out = make(map[string]string, len(e.metadata))
			}
			if _, seen := out[k]; !seen {
				out[k] = v
			}
		}
	}
	return out
}
