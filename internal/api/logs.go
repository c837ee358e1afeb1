package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 固定容量的环形日志缓冲，写满后覆盖最旧的条目
type LogManager struct {
	mu    sync.RWMutex
	buf   []LogEntry
	next  int
	count int
}

// NewLogManager 创建日志管理器
func NewLogManager(capacity int) *LogManager {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogManager{buf: make([]LogEntry, capacity)}
}

// AddLog 添加日志
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	var component string
	for k, v := range entry.Data {
		if k == "component" {
			component, _ = v.(string)
			continue
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.buf[lm.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Component: component,
		Fields:    fields,
	}
	lm.next = (lm.next + 1) % len(lm.buf)
	if lm.count < len(lm.buf) {
		lm.count++
	}
}

// snapshot 按时间倒序返回日志，level非空时只保留该级别
func (lm *LogManager) snapshot(level string) []LogEntry {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	out := make([]LogEntry, 0, lm.count)
	for i := 0; i < lm.count; i++ {
		idx := (lm.next - 1 - i + len(lm.buf)) % len(lm.buf)
		if level != "" && lm.buf[idx].Level != level {
			continue
		}
		out = append(out, lm.buf[idx])
	}
	return out
}

// GetLogs 获取最新的limit条日志
func (lm *LogManager) GetLogs(level string, limit int) []LogEntry {
	logs := lm.snapshot(level)
	if limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	return logs
}

// GetLogsWithPagination 获取分页日志，第一页为最新日志
func (lm *LogManager) GetLogsWithPagination(level string, page, pageSize int) ([]LogEntry, int) {
	logs := lm.snapshot(level)
	total := len(logs)

	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return logs[start:end], total
}

// Len 当前日志条数
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.count
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.buf = make([]LogEntry, len(lm.buf))
	lm.next = 0
	lm.count = 0
}

// LogHook 将logrus日志写入LogManager
type LogHook struct {
	manager *LogManager
	levels  []logrus.Level
}

// NewLogHook 创建日志钩子，默认记录info及以上级别
func NewLogHook(manager *LogManager, levels ...logrus.Level) *LogHook {
	if len(levels) == 0 {
		levels = []logrus.Level{
			logrus.PanicLevel,
			logrus.FatalLevel,
			logrus.ErrorLevel,
			logrus.WarnLevel,
			logrus.InfoLevel,
		}
	}
	return &LogHook{manager: manager, levels: levels}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}
