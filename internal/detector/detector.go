package detector

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"scathat/internal/fusion"
	"scathat/internal/metrics"
	"scathat/pkg/models"
)

// Request 检测请求
type Request struct {
	Bytecode        string `json:"bytecode,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`
	SourceCode      string `json:"solidity_code,omitempty"`
	ContractName    string `json:"contract_name,omitempty"`
}

// Detector 单个风险模型
type Detector interface {
	Source() models.Source
	Analyze(ctx context.Context, req Request) (models.DetectorReading, error)
}

// Collector 并发调用所有检测器，失败或超时的检测器替换为降级读数
type Collector struct {
	detectors []Detector
	timeout   time.Duration
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// NewCollector 创建检测器收集器
func NewCollector(detectors []Detector, timeout time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Collector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Collector{
		detectors: detectors,
		timeout:   timeout,
		logger:    logger,
		metrics:   m,
	}
}

// Collect 收集读数，未配置的检测器保持为nil
func (c *Collector) Collect(ctx context.Context, req Request) fusion.Readings {
	results := make([]*models.DetectorReading, len(c.detectors))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range c.detectors {
		g.Go(func() error {
			reading := c.analyze(gctx, d, req)
			results[i] = &reading
			return nil
		})
	}
	_ = g.Wait()

	var out fusion.Readings
	for i, d := range c.detectors {
		switch d.Source() {
		case models.SourceBytecode:
			out.Bytecode = results[i]
		case models.SourceCodeAnalyzer:
			out.Code = results[i]
		case models.SourceBehavior:
			out.Behavior = results[i]
		}
	}
	return out
}

func (c *Collector) analyze(ctx context.Context, d Detector, req Request) models.DetectorReading {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reading, err := d.Analyze(callCtx, req)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"component": "detector",
			"source":    d.Source(),
		}).WithError(err).Warn("检测器不可用，使用降级读数")
		reading = models.FallbackReading(d.Source())
	}
	reading.Source = d.Source()

	c.metrics.ObserveDetector(string(d.Source()), reading.Degraded, time.Since(start))
	return reading
}
