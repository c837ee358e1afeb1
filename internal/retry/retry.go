package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy 重试策略
type Policy struct {
	MaxAttempts         int           `json:"max_attempts"`         // 最大尝试次数，包含首次
	InitialInterval     time.Duration `json:"initial_interval"`     // 首次失败后的等待间隔
	MaxInterval         time.Duration `json:"max_interval"`         // 最大等待间隔
	BackoffFactor       float64       `json:"backoff_factor"`       // 退避因子
	RandomizationFactor float64       `json:"randomization_factor"` // 随机化因子
	EnableJitter        bool          `json:"enable_jitter"`        // 启用抖动

	// Retryable 判断错误是否可重试，为空时使用IsRetryableError
	Retryable func(error) bool `json:"-"`
}

// WritebackPolicy 链上写入重试策略：等待 1s, 2s, 4s ...
var WritebackPolicy = Policy{
	MaxAttempts:     3,
	InitialInterval: time.Second,
	MaxInterval:     60 * time.Second,
	BackoffFactor:   2.0,
}

// NetworkPolicy 检测器等网络请求重试策略
var NetworkPolicy = Policy{
	MaxAttempts:         3,
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
	EnableJitter:        true,
}

// Delay 第attempt次(从0开始)尝试失败后的等待时间
func (p Policy) Delay(attempt int) time.Duration {
	if p.InitialInterval <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(factor, float64(attempt))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return time.Duration(delay)
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsRetryableError(err)
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

// 常见的临时性网络错误
var networkErrors = []string{
	"connection refused",
	"connection reset",
	"connection timeout",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests", // 429
	"rate limit",
	"i/o timeout",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"eof",
}

// IsRetryableError 判断是否为可重试错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	for _, networkErr := range networkErrors {
		if strings.Contains(errStr, networkErr) {
			return true
		}
	}
	return false
}

// Retrier 重试器
type Retrier struct {
	policy Policy
	logger *logrus.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(policy Policy, logger *logrus.Logger) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Retrier{
		policy: policy,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ExecuteFunc 执行函数类型，attempt从0开始
type ExecuteFunc func(attempt int) error

// Execute 执行重试逻辑，返回最后一次尝试的序号(从0开始)和最终错误
func (r *Retrier) Execute(ctx context.Context, operation string, fn ExecuteFunc) (int, error) {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt, err
		}

		err := fn(attempt)
		if err == nil {
			if attempt > 0 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt+1)
			}
			return attempt, nil
		}
		lastErr = err

		if !r.policy.retryable(err) {
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return attempt, err
		}

		if attempt == r.policy.MaxAttempts-1 {
			r.logger.Warnf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt+1, err)
			return attempt, err
		}

		delay := r.calculateDelay(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt+1, err, delay)

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return attempt, lastErr
			}
		}
	}

	return r.policy.MaxAttempts - 1, lastErr
}

// calculateDelay 计算延迟时间
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.Delay(attempt))

	// 添加抖动避免惊群效应
	if r.policy.EnableJitter && delay > 0 {
		jitter := delay * r.policy.RandomizationFactor
		r.mu.Lock()
		delay = delay - jitter + r.rand.Float64()*jitter*2
		r.mu.Unlock()
		if delay < 0 {
			delay = float64(r.policy.InitialInterval)
		}
	}

	return time.Duration(delay)
}

// Policy 获取重试策略
func (r *Retrier) Policy() Policy {
	return r.policy
}

// RetryNetworkOperation 网络操作重试
func RetryNetworkOperation(ctx context.Context, operation string, fn func() error, logger *logrus.Logger) error {
	_, err := NewRetrier(NetworkPolicy, logger).Execute(ctx, operation, func(int) error {
		return fn()
	})
	return err
}

// StatusError HTTP状态码错误，5xx与429可重试
type StatusError struct {
	Code      int
	retryable bool
}

// NewStatusError 创建状态码错误
func NewStatusError(code int, retryable bool) *StatusError {
	return &StatusError{Code: code, retryable: retryable}
}

func (e *StatusError) Error() string {
	return "unexpected status code " + strconv.Itoa(e.Code)
}

// IsRetryable 实现RetryableError
func (e *StatusError) IsRetryable() bool {
	return e.retryable
}
