package verification

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"scathat/internal/metrics"
	"scathat/internal/validation"
	"scathat/pkg/models"
)

// metadataSuffixLen 编译器附加在字节码末尾的元数据长度
const metadataSuffixLen = 65

// CodeReader 读取合约代码，*ethclient.Client满足该接口
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Config 验证器配置
type Config struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	BatchWorkers int           `mapstructure:"batch_workers"`
}

// DefaultConfig 默认验证器配置
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		BatchWorkers: 8,
	}
}

// Target 批量验证的单个目标
type Target struct {
	Address          string `json:"contract_address"`
	ExpectedBytecode []byte `json:"-"`
}

// Analyzer 链上字节码验证器
type Analyzer struct {
	reader  CodeReader
	config  Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewAnalyzer 创建验证器，m可为nil
func NewAnalyzer(reader CodeReader, config Config, logger *logrus.Logger, m *metrics.Metrics) *Analyzer {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.BatchWorkers <= 0 {
		config.BatchWorkers = defaults.BatchWorkers
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Analyzer{
		reader:  reader,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

// VerifyDeployment 验证部署在address上的合约，expected为空时不做字节码比对
func (a *Analyzer) VerifyDeployment(ctx context.Context, address string, expected []byte) models.VerificationResult {
	start := time.Now()
	result := a.verify(ctx, address, expected)
	a.metrics.ObserveVerification(string(result.Status), time.Since(start))
	return result
}

func (a *Analyzer) verify(ctx context.Context, address string, expected []byte) models.VerificationResult {
	result := models.VerificationResult{
		Address:          address,
		Status:           models.StatusError,
		SecurityFindings: make([]models.Finding, 0),
		Gas:              EstimateGasComplexity(0),
	}

	addr, err := validation.ParseAddress(address)
	if err != nil {
		result.Message = "invalid contract address format"
		return result
	}
	result.Address = addr.Hex()

	logger := a.logger.WithFields(logrus.Fields{
		"component":        "verification",
		"contract_address": result.Address,
	})

	callCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	code, err := a.reader.CodeAt(callCtx, addr, nil)
	if err != nil {
		logger.WithError(err).Warn("读取合约代码失败")
		result.Message = fmt.Sprintf("failed to fetch contract code: %v", err)
		return result
	}
	if len(code) == 0 {
		result.Message = "no contract code at address"
		return result
	}

	result.BytecodeLength = len(code)
	result.Gas = EstimateGasComplexity(len(code))

	if expected != nil {
		match := BytecodeMatches(code, expected)
		result.BytecodeMatch = &match
	}

	sec := scan(hex.EncodeToString(code))
	result.SecurityFindings = append(result.SecurityFindings, sec.findings...)
	result.MaliciousIndicators = sec.malicious
	result.CriticalIssues = sec.critical
	result.Warnings = sec.warnings
	result.RiskScore = sec.riskScore()

	result.Status = deriveStatus(result.BytecodeMatch, sec)
	result.Message = "verification completed"

	logger.WithFields(logrus.Fields{
		"status":     result.Status,
		"risk_score": result.RiskScore,
	}).Debug("合约验证完成")

	return result
}

// deriveStatus 字节码不匹配只阻止verified，安全发现会逐级提升状态
func deriveStatus(match *bool, sec securityScan) models.VerificationStatus {
	status := models.StatusUnverified
	if match == nil || *match {
		status = models.StatusVerified
	}
	if sec.malicious > 0 {
		status = models.StatusSuspicious
	}
	if sec.critical > 0 {
		status = models.StatusMalicious
	}
	return status
}

// BatchVerify 并行验证多个合约，结果顺序与输入一致，单个失败不影响其他目标
func (a *Analyzer) BatchVerify(ctx context.Context, targets []Target) []models.VerificationResult {
	results := make([]models.VerificationResult, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.BatchWorkers)
	for i, target := range targets {
		g.Go(func() error {
			results[i] = a.VerifyDeployment(gctx, target.Address, target.ExpectedBytecode)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// BytecodeMatches 去除末尾元数据后比较字节码
func BytecodeMatches(actual, expected []byte) bool {
	return bytes.Equal(stripMetadata(actual), stripMetadata(expected))
}

func stripMetadata(code []byte) []byte {
	if len(code) > metadataSuffixLen {
		return code[:len(code)-metadataSuffixLen]
	}
	return code
}
