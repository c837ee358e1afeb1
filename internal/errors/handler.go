package errors

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 服务边界的错误处理器：统一转换、记录统计并按严重级别记日志
type ErrorHandler struct {
	logger    *logrus.Logger
	stats     *ErrorStats
	mu        sync.RWMutex
	callbacks []ErrorCallback
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *RiskError)

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		stats:     NewErrorStats(),
		callbacks: make([]ErrorCallback, 0),
	}
}

// HandleError 处理错误，返回规范化后的RiskError
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) *RiskError {
	if err == nil {
		return nil
	}

	var riskErr *RiskError
	if !stderrors.As(err, &riskErr) {
		riskErr = Unknown(err, "未知错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(riskErr)
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.Unlock()

	eh.log(ctx, riskErr)

	for _, cb := range callbacks {
		eh.runCallback(cb, riskErr)
	}

	return riskErr
}

func (eh *ErrorHandler) runCallback(cb ErrorCallback, err *RiskError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	cb(err)
}

// log 根据严重级别选择日志级别
func (eh *ErrorHandler) log(ctx context.Context, err *RiskError) {
	entry := eh.logger.WithContext(ctx).WithFields(logrus.Fields{
		"error_kind": string(err.Kind),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	})
	for k, v := range err.Context {
		entry = entry.WithField(k, v)
	}
	if err.Cause != nil {
		entry = entry.WithError(err.Cause)
	}

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// GetStats 获取错误统计信息快照
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := *eh.stats
	snapshot.ErrorsByKind = copyMap(eh.stats.ErrorsByKind)
	snapshot.ErrorsBySeverity = copyMap(eh.stats.ErrorsBySeverity)
	snapshot.ErrorsByComponent = copyMap(eh.stats.ErrorsByComponent)
	snapshot.RecentErrors = append([]*RiskError(nil), eh.stats.RecentErrors...)
	return snapshot
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}

func copyMap[K comparable](m map[K]int) map[K]int {
	out := make(map[K]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
