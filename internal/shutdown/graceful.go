package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopHTTP      = 10 // 停止接受新的评估请求
	OrderDrainWrites   = 20 // 等待进行中的链上写入
	OrderFlushOutput   = 30 // 关闭事件输出
	OrderCloseAudit    = 40 // 关闭审计存储
	OrderCloseNodes    = 50 // 关闭节点连接
	OrderCleanupOthers = 60
)

// Hook 停机处理函数
type Hook struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// Manager 优雅停机管理器
type Manager struct {
	logger   *logrus.Logger
	timeout  time.Duration
	hooks    []Hook
	mu       sync.Mutex
	signals  chan os.Signal
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	stopping bool
	errs     []error
}

// NewManager 创建停机管理器，timeout<=0时为30秒
func NewManager(timeout time.Duration, logger *logrus.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		timeout: timeout,
		signals: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Register 注册停机处理函数
func (m *Manager) Register(name string, order int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Func: fn, Order: order})
	m.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Context 停机开始后被取消的上下文
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Listen 监听SIGINT与SIGTERM，收到信号后执行停机
func (m *Manager) Listen() {
	signal.Notify(m.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-m.signals:
			m.logger.Infof("收到停机信号: %v", sig)
			m.Shutdown()
		case <-m.done:
		}
	}()
}

// Wait 阻塞直到停机完成
func (m *Manager) Wait() {
	<-m.done
}

// Shutdown 执行停机，多次调用只生效一次
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.stopping = true
		hooks := make([]Hook, len(m.hooks))
		copy(hooks, m.hooks)
		m.mu.Unlock()

		signal.Stop(m.signals)
		m.cancel()
		m.errs = m.run(hooks)
		close(m.done)
	})
}

// run 按顺序执行处理函数，总耗时受timeout限制
func (m *Manager) run(hooks []Hook) []error {
	m.logger.Info("开始优雅停机流程")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })

	var errs []error
	for _, h := range hooks {
		if ctx.Err() != nil {
			m.logger.Warnf("停机超时，跳过: %s", h.Name)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, ctx.Err()))
			continue
		}

		start := time.Now()
		if err := h.Func(ctx); err != nil {
			m.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", h.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		m.logger.Debugf("停机处理 '%s' 完成 (耗时: %v)", h.Name, time.Since(start))
	}

	if len(errs) > 0 {
		m.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
	} else {
		m.logger.Info("优雅停机流程完成")
	}
	return errs
}

// Errors 停机过程中的错误，停机完成前为nil
func (m *Manager) Errors() []error {
	select {
	case <-m.done:
		return m.errs
	default:
		return nil
	}
}

// IsShuttingDown 是否已开始停机
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}
