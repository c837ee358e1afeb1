package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`    // 日志级别 (debug, info, warn, error)
	Format string `json:"format" yaml:"format" mapstructure:"format"` // 日志格式 (json, text)
	Output string `json:"output" yaml:"output" mapstructure:"output"` // 输出路径 (stdout, stderr, file path)
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

// NewLogger 创建logrus日志器
func NewLogger(config LogConfig) (*logrus.Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	writer, err := getLogWriter(config.Output)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	formatter, err := newFormatter(config.Format)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(writer)
	logger.SetFormatter(formatter)
	return logger, nil
}

// ParseLevel 解析日志级别，空值视为info
func ParseLevel(levelStr string) (logrus.Level, error) {
	switch strings.ToLower(levelStr) {
	case "", "info":
		return logrus.InfoLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("未知的日志级别: %s", levelStr)
	}
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		}, nil
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339}, nil
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", format)
	}
}

// getLogWriter 获取日志输出
func getLogWriter(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		// 文件输出
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		return file, nil
	}
}

// Component 组件日志器
func Component(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}

// NewDetectorLogger 检测器调用专用日志器
func NewDetectorLogger(logger *logrus.Logger, source, url string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "detector",
		"source":    source,
		"url":       url,
	})
}

// NewWritebackLogger 链上写入专用日志器
func NewWritebackLogger(logger *logrus.Logger, requestID, target string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component":  "writeback",
		"request_id": requestID,
		"target":     target,
	})
}

// NewRPCLogger RPC调用专用日志器
func NewRPCLogger(logger *logrus.Logger, method string, nodeURL string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "rpc_client",
		"method":    method,
		"node_url":  nodeURL,
	})
}
