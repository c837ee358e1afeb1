package errors

import (
	stderrors "errors"
	"fmt"
	"time"

	"scathat/pkg/models"
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// RiskError 自定义错误类型
type RiskError struct {
	Kind      models.ErrorKind       `json:"kind"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component,omitempty"`
}

// Error 实现error接口
func (e *RiskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *RiskError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *RiskError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *RiskError) WithContext(key string, value interface{}) *RiskError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 设置出错组件
func (e *RiskError) WithComponent(component string) *RiskError {
	e.Component = component
	return e
}

// WithRetryable 覆盖默认的可重试判定
func (e *RiskError) WithRetryable(retryable bool) *RiskError {
	e.Retryable = retryable
	return e
}

// New 创建新的错误
func New(kind models.ErrorKind, code, message string) *RiskError {
	return &RiskError{
		Kind:      kind,
		Severity:  severityOf(kind),
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: kind.Retryable(),
	}
}

// Wrap 包装现有错误
func Wrap(err error, kind models.ErrorKind, code, message string) *RiskError {
	e := New(kind, code, message)
	e.Cause = err
	return e
}

// severityOf 错误类别对应的默认严重级别
func severityOf(kind models.ErrorKind) ErrorSeverity {
	switch kind {
	case models.ErrorKindInvalidInput:
		return SeverityLow
	case models.ErrorKindServiceUnavailable, models.ErrorKindGasEstimationFailure:
		return SeverityMedium
	case models.ErrorKindContractExecutionError, models.ErrorKindUnknown:
		return SeverityHigh
	case models.ErrorKindInsufficientFunds:
		return SeverityCritical
	default:
		return SeverityHigh
	}
}

// KindOf 提取错误类别，非RiskError视为Unknown
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	var re *RiskError
	if stderrors.As(err, &re) {
		return re.Kind
	}
	return models.ErrorKindUnknown
}

// Is 判断错误是否属于指定类别
func Is(err error, kind models.ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// 常用错误构造

// InvalidInput 输入格式错误
func InvalidInput(code, message string) *RiskError {
	return New(models.ErrorKindInvalidInput, code, message)
}

// ServiceUnavailable 外部服务不可用
func ServiceUnavailable(err error, message string) *RiskError {
	return Wrap(err, models.ErrorKindServiceUnavailable, "SERVICE_UNAVAILABLE", message)
}

// InsufficientFunds 余额不足
func InsufficientFunds(err error, message string) *RiskError {
	return Wrap(err, models.ErrorKindInsufficientFunds, "INSUFFICIENT_FUNDS", message)
}

// GasEstimation gas估算失败
func GasEstimation(err error, message string) *RiskError {
	return Wrap(err, models.ErrorKindGasEstimationFailure, "GAS_ESTIMATION_FAILED", message)
}

// ContractExecution 合约执行回滚
func ContractExecution(err error, message string) *RiskError {
	return Wrap(err, models.ErrorKindContractExecutionError, "CONTRACT_EXECUTION_REVERTED", message)
}

// Unknown 未知错误，按失败处理
func Unknown(err error, message string) *RiskError {
	return Wrap(err, models.ErrorKindUnknown, "UNKNOWN_ERROR", message)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                      `json:"total_errors"`
	ErrorsByKind      map[models.ErrorKind]int `json:"errors_by_kind"`
	ErrorsBySeverity  map[ErrorSeverity]int    `json:"errors_by_severity"`
	ErrorsByComponent map[string]int           `json:"errors_by_component"`
	RecentErrors      []*RiskError             `json:"recent_errors"`
	LastError         *RiskError               `json:"last_error"`
	LastErrorTime     time.Time                `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByKind:      make(map[models.ErrorKind]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*RiskError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *RiskError) {
	es.TotalErrors++
	es.ErrorsByKind[err.Kind]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	return float64(recentCount) / duration.Hours()
}
