package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scathat/internal/config"
	"scathat/pkg/models"
)

// 事件类型，同时作为Kafka topic映射的键
const (
	EventAssessments = "assessments"
	EventReceipts    = "receipts"
)

// Output 评估事件输出接口
type Output interface {
	WriteAssessment(a *models.Assessment) error
	WriteReceipt(r *models.WriteReceipt) error
	Close() error
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return NopOutput{}, nil
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	switch cfg.Format {
	case "", "none":
		return NopOutput{}, nil
	case "file":
		o, err := NewFileOutput(cfg.Directory)
		if err != nil {
			return nil, err
		}
		return o, nil
	case "kafka":
		var brokers []string
		var topics map[string]string
		if cfg.Kafka != nil {
			brokers = cfg.Kafka.Brokers
			topics = cfg.Kafka.Topics
		}
		o, err := NewKafkaOutput(brokers, topics, logger)
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// FileOutput JSON Lines文件输出
type FileOutput struct {
	outputDir      string
	mu             sync.Mutex
	assessmentFile *os.File
	receiptFile    *os.File
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputPath string) (*FileOutput, error) {
	// 确保输出目录存在
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")

	assessmentFile, err := os.Create(filepath.Join(outputPath, fmt.Sprintf("%s_%s.jsonl", EventAssessments, timestamp)))
	if err != nil {
		return nil, fmt.Errorf("创建评估文件失败: %w", err)
	}

	receiptFile, err := os.Create(filepath.Join(outputPath, fmt.Sprintf("%s_%s.jsonl", EventReceipts, timestamp)))
	if err != nil {
		assessmentFile.Close()
		return nil, fmt.Errorf("创建回执文件失败: %w", err)
	}

	return &FileOutput{
		outputDir:      outputPath,
		assessmentFile: assessmentFile,
		receiptFile:    receiptFile,
	}, nil
}

// writeLine 写入一行JSON并刷新到磁盘
func (o *FileOutput) writeLine(f *os.File, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("写入文件失败: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("刷新文件失败: %w", err)
	}
	return nil
}

// WriteAssessment 写入评估结果
func (o *FileOutput) WriteAssessment(a *models.Assessment) error {
	if a == nil {
		return nil
	}
	return o.writeLine(o.assessmentFile, a)
}

// WriteReceipt 写入链上回执
func (o *FileOutput) WriteReceipt(r *models.WriteReceipt) error {
	if r == nil {
		return nil
	}
	return o.writeLine(o.receiptFile, r)
}

// Close 关闭所有文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var firstErr error
	for _, f := range []*os.File{o.assessmentFile, o.receiptFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NopOutput 丢弃所有事件
type NopOutput struct{}

func (NopOutput) WriteAssessment(*models.Assessment) error { return nil }
func (NopOutput) WriteReceipt(*models.WriteReceipt) error  { return nil }
func (NopOutput) Close() error                              { return nil }
