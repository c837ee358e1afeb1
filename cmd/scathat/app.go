package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"scathat/internal/assessment"
	"scathat/internal/audit"
	"scathat/internal/chain"
	"scathat/internal/config"
	"scathat/internal/connection"
	"scathat/internal/detector"
	"scathat/internal/fusion"
	"scathat/internal/metrics"
	"scathat/internal/output"
	"scathat/internal/verification"
	"scathat/pkg/models"
)

// app 组装后的运行时组件
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	pool    *connection.ConnectionPool
	service *assessment.Service
}

// newApp 按配置组装组件，未配置节点时只提供离线融合
func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	engine, err := fusion.NewEngine(cfg.Fusion.Weights(), logger)
	if err != nil {
		return nil, err
	}

	deps := assessment.Dependencies{
		Engine:  engine,
		Metrics: a.metrics,
		Logger:  logger,
	}

	collector, err := buildCollector(cfg, logger, a.metrics)
	if err != nil {
		return nil, err
	}
	deps.Collector = collector

	if len(cfg.Chain.Nodes) > 0 {
		if err := a.wireChain(ctx, &deps); err != nil {
			a.close()
			return nil, err
		}
	} else {
		logger.Warn("未配置区块链节点，链上验证与写入不可用")
	}

	store, err := audit.Open(audit.Config{
		Backend:     cfg.Audit.Backend,
		BoltPath:    cfg.Audit.BoltPath,
		PostgresDSN: cfg.Audit.PostgresDSN,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	deps.Store = store

	out, err := output.NewOutput(cfg.Output, logger)
	if err != nil {
		store.Close()
		a.close()
		return nil, err
	}
	deps.Output = out

	service, err := assessment.NewService(deps)
	if err != nil {
		out.Close()
		store.Close()
		a.close()
		return nil, err
	}
	a.service = service
	return a, nil
}

// buildCollector 按固定来源顺序创建HTTP检测器
func buildCollector(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (*detector.Collector, error) {
	endpoints := cfg.Detectors.Endpoints()
	if len(endpoints) == 0 {
		return nil, nil
	}

	detectors := make([]detector.Detector, 0, len(endpoints))
	for _, source := range models.AllSources {
		dc, ok := endpoints[source]
		if !ok {
			continue
		}
		d, err := detector.NewHTTPDetector(source, dc, logger)
		if err != nil {
			return nil, fmt.Errorf("创建检测器 %s 失败: %w", source, err)
		}
		detectors = append(detectors, d)
	}
	return detector.NewCollector(detectors, cfg.Detectors.Timeout, logger, m), nil
}

// wireChain 连接节点并创建验证器、写入器
func (a *app) wireChain(ctx context.Context, deps *assessment.Dependencies) error {
	cfg := a.cfg

	pool := connection.NewConnectionPool(cfg.Chain.Nodes, connection.DialEthclient, a.logger)
	pool.SetHealthCheckInterval(cfg.Chain.HealthCheckInterval)
	if err := pool.Initialize(ctx); err != nil {
		return err
	}
	a.pool = pool

	deps.Verifier = verification.NewAnalyzer(pool, cfg.VerificationSettings(), a.logger, a.metrics)

	if cfg.Chain.RegistryAddress == "" {
		a.logger.Warn("未配置注册合约地址，链上写入与读取不可用")
		return nil
	}

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	writer, err := chain.NewWriter(pool, cfg.WriterConfig(), a.logger, a.metrics)
	if err != nil {
		return err
	}
	deps.Registry = registry
	deps.Writer = writer

	if cfg.Writeback.Enabled {
		signer, err := cfg.Signer()
		if err != nil {
			return fmt.Errorf("加载签名私钥失败: %w", err)
		}
		deps.Signer = signer
		a.logger.WithField("signer", signer.Address().Hex()).Info("链上写入已启用")
	}
	return nil
}

func (a *app) close() {
	if a.service != nil {
		if err := a.service.Close(); err != nil {
			a.logger.Warnf("关闭评估服务失败: %v", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
