package assessment

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"scathat/internal/audit"
	"scathat/internal/chain"
	"scathat/internal/detector"
	riskerrors "scathat/internal/errors"
	"scathat/internal/fusion"
	"scathat/internal/metrics"
	"scathat/internal/output"
	"scathat/internal/validation"
	"scathat/internal/verdict"
	"scathat/internal/verification"
	"scathat/pkg/models"
)

// Verifier 链上验证，*verification.Analyzer满足该接口
type Verifier interface {
	VerifyDeployment(ctx context.Context, address string, expected []byte) models.VerificationResult
	BatchVerify(ctx context.Context, targets []verification.Target) []models.VerificationResult
}

// VerdictWriter 链上写入，*chain.Writer满足该接口
type VerdictWriter interface {
	WriteVerdict(ctx context.Context, req chain.WriteRequest) models.WriteReceipt
	ReadVerdict(ctx context.Context, registry *chain.Registry, target common.Address) (string, error)
}

// Dependencies 服务依赖，除Engine外均可为空
type Dependencies struct {
	Collector *detector.Collector
	Engine    *fusion.Engine
	Verifier  Verifier
	Writer    VerdictWriter
	Signer    *chain.Signer
	Registry  *chain.Registry
	Store     audit.Store
	Output    output.Output
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
}

// Request 一次评估请求，调用方提供的读数优先于检测器结果
type Request struct {
	Bytecode         string                  `json:"bytecode,omitempty"`
	ContractAddress  string                  `json:"contract_address,omitempty"`
	SourceCode       string                  `json:"solidity_code,omitempty"`
	ContractName     string                  `json:"contract_name,omitempty"`
	BytecodeAnalysis *models.DetectorReading `json:"bytecode_analysis,omitempty"`
	CodeAnalysis     *models.DetectorReading `json:"code_analysis,omitempty"`
	BehaviorAnalysis *models.DetectorReading `json:"behavior_analysis,omitempty"`
	ExpectedBytecode string                  `json:"expected_bytecode,omitempty"`
	WriteBack        bool                    `json:"write_back,omitempty"`
}

// Service 评估流程: 检测器与链上验证并行执行，融合后合并结论，按需写入链上
type Service struct {
	collector *detector.Collector
	engine    *fusion.Engine
	verifier  Verifier
	writer    VerdictWriter
	signer    *chain.Signer
	registry  *chain.Registry
	store     audit.Store
	out       output.Output
	metrics   *metrics.Metrics
	validator *validation.Validator
	logger    *logrus.Logger
}

// NewService 创建评估服务
func NewService(deps Dependencies) (*Service, error) {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Engine == nil {
		deps.Engine = fusion.DefaultEngine(deps.Logger)
	}
	if deps.Store == nil {
		deps.Store = audit.NopStore{}
	}
	if deps.Output == nil {
		deps.Output = output.NopOutput{}
	}
	return &Service{
		collector: deps.Collector,
		engine:    deps.Engine,
		verifier:  deps.Verifier,
		writer:    deps.Writer,
		signer:    deps.Signer,
		registry:  deps.Registry,
		store:     deps.Store,
		out:       deps.Output,
		metrics:   deps.Metrics,
		validator: validation.NewValidator(deps.Logger, false),
		logger:    deps.Logger,
	}, nil
}

// WritebackEnabled 是否具备链上写入条件
func (s *Service) WritebackEnabled() bool {
	return s.writer != nil && s.signer != nil && s.registry != nil
}

// Fuse 纯融合，不访问网络
func (s *Service) Fuse(in fusion.Readings) models.FusedRiskResult {
	for _, r := range []*models.DetectorReading{in.Bytecode, in.Code, in.Behavior} {
		if r == nil {
			continue
		}
		if res := s.validator.ValidateReading(r); len(res.Warnings) > 0 {
			s.logger.WithFields(logrus.Fields{
				"component": "assessment",
				"source":    r.Source,
				"warnings":  res.Warnings,
			}).Warn("检测器读数超出范围，将被截断")
		}
	}

	result := s.engine.Fuse(in)
	s.metrics.ObserveFusion(string(result.RiskLevel), result.FinalScore)
	return result
}

// Assess 执行一次完整评估，检测器故障以降级读数参与融合
func (s *Service) Assess(ctx context.Context, req Request) (*models.Assessment, error) {
	start := time.Now()

	var expected []byte
	if req.ContractAddress != "" {
		addr, err := validation.ParseAddress(req.ContractAddress)
		if err != nil {
			return nil, err
		}
		req.ContractAddress = addr.Hex()
	}
	if req.Bytecode != "" {
		if _, err := validation.DecodeBytecode(req.Bytecode); err != nil {
			return nil, err
		}
	}
	if req.ExpectedBytecode != "" {
		code, err := validation.DecodeBytecode(req.ExpectedBytecode)
		if err != nil {
			return nil, err
		}
		expected = code
	}
	if req.WriteBack {
		if req.ContractAddress == "" {
			return nil, riskerrors.InvalidInput("MISSING_ADDRESS", "写入链上需要contract_address")
		}
		if !s.WritebackEnabled() {
			return nil, riskerrors.InvalidInput("WRITEBACK_DISABLED", "未配置链上写入")
		}
	}

	var (
		collected fusion.Readings
		verified  *models.VerificationResult
	)

	g, gctx := errgroup.WithContext(ctx)
	if s.collector != nil {
		g.Go(func() error {
			collected = s.collector.Collect(gctx, detector.Request{
				Bytecode:        req.Bytecode,
				ContractAddress: req.ContractAddress,
				SourceCode:      req.SourceCode,
				ContractName:    req.ContractName,
			})
			return nil
		})
	}
	if s.verifier != nil && req.ContractAddress != "" {
		g.Go(func() error {
			v := s.verifier.VerifyDeployment(gctx, req.ContractAddress, expected)
			verified = &v
			return nil
		})
	}
	_ = g.Wait()

	readings := merge(collected, fusion.Readings{
		Bytecode: req.BytecodeAnalysis,
		Code:     req.CodeAnalysis,
		Behavior: req.BehaviorAnalysis,
	})
	fused := s.Fuse(readings)

	a := &models.Assessment{
		ID:              uuid.NewString(),
		ContractAddress: req.ContractAddress,
		Fused:           fused,
		Verification:    verified,
		CreatedAt:       time.Now().UTC(),
	}

	if verified != nil {
		v := verdict.Combine(req.ContractAddress, fused.FinalScore, fused.OverallConfidence, *verified, verified.Gas)
		a.Verdict = &v

		if req.WriteBack {
			receipt := s.write(ctx, common.HexToAddress(req.ContractAddress), v)
			a.Receipt = &receipt
		}
	} else if req.WriteBack {
		return nil, riskerrors.InvalidInput("VERIFICATION_UNAVAILABLE", "未配置链上验证，无法生成写入结论")
	}

	a.DurationMs = time.Since(start).Milliseconds()
	s.record(ctx, a)

	s.logger.WithFields(logrus.Fields{
		"component":        "assessment",
		"contract_address": a.ContractAddress,
		"final_score":      fused.FinalScore,
		"risk_level":       fused.RiskLevel,
		"duration_ms":      a.DurationMs,
	}).Info("评估完成")

	return a, nil
}

// merge 调用方读数覆盖检测器读数
func merge(collected, provided fusion.Readings) fusion.Readings {
	out := collected
	if provided.Bytecode != nil {
		out.Bytecode = provided.Bytecode
	}
	if provided.Code != nil {
		out.Code = provided.Code
	}
	if provided.Behavior != nil {
		out.Behavior = provided.Behavior
	}
	return out
}

// Verify 单个合约链上验证
func (s *Service) Verify(ctx context.Context, address string, expectedHex string) (models.VerificationResult, error) {
	if s.verifier == nil {
		return models.VerificationResult{}, riskerrors.ServiceUnavailable(nil, "未配置链上验证")
	}
	var expected []byte
	if expectedHex != "" {
		code, err := validation.DecodeBytecode(expectedHex)
		if err != nil {
			return models.VerificationResult{}, err
		}
		expected = code
	}
	return s.verifier.VerifyDeployment(ctx, address, expected), nil
}

// VerifyBatch 批量链上验证
func (s *Service) VerifyBatch(ctx context.Context, targets []verification.Target) ([]models.VerificationResult, error) {
	if s.verifier == nil {
		return nil, riskerrors.ServiceUnavailable(nil, "未配置链上验证")
	}
	return s.verifier.BatchVerify(ctx, targets), nil
}

// WriteBack 对给定AI分数执行链上验证、合并结论并写入注册合约
func (s *Service) WriteBack(ctx context.Context, address string, aiScore, aiConfidence float64, expectedHex string) (models.WriteReceipt, error) {
	if !s.WritebackEnabled() {
		return models.WriteReceipt{}, riskerrors.InvalidInput("WRITEBACK_DISABLED", "未配置链上写入")
	}
	addr, err := validation.ParseAddress(address)
	if err != nil {
		return models.WriteReceipt{}, err
	}
	if aiScore < 0 || aiScore > 1 || aiConfidence < 0 || aiConfidence > 1 {
		return models.WriteReceipt{}, riskerrors.InvalidInput("INVALID_SCORE", "ai_score与ai_confidence必须在[0,1]之间")
	}

	v, err := s.Verify(ctx, addr.Hex(), expectedHex)
	if err != nil {
		return models.WriteReceipt{}, err
	}
	combined := verdict.Combine(addr.Hex(), aiScore, aiConfidence, v, v.Gas)
	return s.write(ctx, addr, combined), nil
}

func (s *Service) write(ctx context.Context, target common.Address, v models.OverallVerdict) models.WriteReceipt {
	receipt := s.writer.WriteVerdict(ctx, chain.WriteRequest{
		Target:   target,
		Verdict:  v,
		Signer:   s.signer,
		Registry: s.registry,
	})

	// 交易可能已上链，回执记录不随调用方取消而丢失
	if err := s.store.SaveReceipt(context.WithoutCancel(ctx), receipt); err != nil {
		s.logger.WithError(err).WithField("component", "assessment").Warn("保存写入回执失败")
	}
	if err := s.out.WriteReceipt(&receipt); err != nil {
		s.logger.WithError(err).WithField("component", "assessment").Warn("输出写入回执失败")
	}
	return receipt
}

// ReadRisk 读取注册合约中的风险描述
func (s *Service) ReadRisk(ctx context.Context, address string) (string, error) {
	if s.writer == nil || s.registry == nil {
		return "", riskerrors.ServiceUnavailable(nil, "未配置注册合约")
	}
	addr, err := validation.ParseAddress(address)
	if err != nil {
		return "", err
	}
	return s.writer.ReadVerdict(ctx, s.registry, addr)
}

// Receipts 查询地址的写入回执
func (s *Service) Receipts(ctx context.Context, address string, limit int) ([]models.WriteReceipt, error) {
	addr, err := validation.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return s.store.Receipts(ctx, addr.Hex(), limit)
}

// record 审计与事件输出失败只记录日志
func (s *Service) record(ctx context.Context, a *models.Assessment) {
	if err := s.store.SaveAssessment(ctx, *a); err != nil {
		s.logger.WithError(err).WithField("component", "assessment").Warn("保存评估记录失败")
	}
	if err := s.out.WriteAssessment(a); err != nil {
		s.logger.WithError(err).WithField("component", "assessment").Warn("输出评估结果失败")
	}
}

// Close 关闭审计存储与输出
func (s *Service) Close() error {
	outErr := s.out.Close()
	if err := s.store.Close(); err != nil {
		return err
	}
	return outErr
}
