package fusion

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	riskerrors "scathat/internal/errors"
	"scathat/pkg/models"
)

// weightTolerance 权重之和允许的误差
const weightTolerance = 1e-6

// DefaultWeights 默认基础权重
var DefaultWeights = models.EffectiveWeights{
	Bytecode: 0.3,
	Code:     0.4,
	Behavior: 0.3,
}

// Readings 一次融合的输入，缺失的检测器为nil
type Readings struct {
	Bytecode *models.DetectorReading `json:"bytecode_analysis,omitempty"`
	Code     *models.DetectorReading `json:"code_analysis,omitempty"`
	Behavior *models.DetectorReading `json:"behavior_analysis,omitempty"`
}

func (r Readings) get(source models.Source) *models.DetectorReading {
	switch source {
	case models.SourceBytecode:
		return r.Bytecode
	case models.SourceCodeAnalyzer:
		return r.Code
	case models.SourceBehavior:
		return r.Behavior
	default:
		return nil
	}
}

// Engine 分数融合引擎，无状态，可并发使用
type Engine struct {
	base   models.EffectiveWeights
	logger *logrus.Logger
}

// NewEngine 创建融合引擎，权重为负或之和不为1时返回InvalidInput
func NewEngine(base models.EffectiveWeights, logger *logrus.Logger) (*Engine, error) {
	if err := ValidateWeights(base); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{base: base, logger: logger}, nil
}

// DefaultEngine 使用默认权重的融合引擎
func DefaultEngine(logger *logrus.Logger) *Engine {
	engine, _ := NewEngine(DefaultWeights, logger)
	return engine
}

// ValidateWeights 校验基础权重
func ValidateWeights(w models.EffectiveWeights) error {
	for _, v := range []float64{w.Bytecode, w.Code, w.Behavior} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return riskerrors.InvalidInput("INVALID_WEIGHTS", fmt.Sprintf("权重必须为非负有限数: %v", v))
		}
	}
	if math.Abs(w.Sum()-1.0) > weightTolerance {
		return riskerrors.InvalidInput("INVALID_WEIGHTS", fmt.Sprintf("权重之和必须为1.0, 当前为%.6f", w.Sum()))
	}
	return nil
}

// BaseWeights 返回基础权重
func (e *Engine) BaseWeights() models.EffectiveWeights {
	return e.base
}

// Fuse 融合三个检测器读数，永不返回错误
func (e *Engine) Fuse(in Readings) models.FusedRiskResult {
	readings := make(map[models.Source]models.DetectorReading, len(models.AllSources))
	for _, source := range models.AllSources {
		readings[source] = e.sanitize(source, in.get(source))
	}

	weights := e.effectiveWeights(
		readings[models.SourceCodeAnalyzer].Confidence,
		readings[models.SourceBytecode].Confidence,
		readings[models.SourceBehavior].Confidence,
	)

	var final, confSum float64
	for _, source := range models.AllSources {
		final += readings[source].RiskScore * weights.For(source)
		confSum += readings[source].Confidence
	}
	final = clamp01(final)
	level := RiskLevelFor(final)

	contributions := make(map[models.Source]models.Contribution, len(readings))
	for _, source := range models.AllSources {
		r := readings[source]
		contributions[source] = models.Contribution{
			Score:      round3(r.RiskScore),
			Confidence: round3(r.Confidence),
			Weight:     round3(weights.For(source)),
			Degraded:   r.Degraded,
		}
	}

	result := models.FusedRiskResult{
		FinalScore:        round3(final),
		RiskLevel:         level,
		OverallConfidence: round3(confSum / float64(len(models.AllSources))),
		Explanation:       explain(readings, weights, level),
		Contributions:     contributions,
		Recommendations:   Recommendations(level),
		Weights:           weights,
	}

	e.logger.WithFields(logrus.Fields{
		"component":   "fusion",
		"final_score": result.FinalScore,
		"risk_level":  result.RiskLevel,
	}).Debug("融合完成")

	return result
}

// sanitize 缺失或NaN读数替换为替代读数，越界值截断到[0,1]
func (e *Engine) sanitize(source models.Source, r *models.DetectorReading) models.DetectorReading {
	if r == nil {
		return models.FallbackReading(source)
	}
	if math.IsNaN(r.RiskScore) || math.IsNaN(r.Confidence) {
		e.logger.WithField("source", source).Warn("检测器读数包含NaN，使用替代读数")
		return models.FallbackReading(source)
	}
	out := *r
	out.Source = source
	out.RiskScore = clamp01(r.RiskScore)
	out.Confidence = clamp01(r.Confidence)
	return out
}

// effectiveWeights 按置信度调整基础权重并归一化
func (e *Engine) effectiveWeights(codeConf, bytecodeConf, behaviorConf float64) models.EffectiveWeights {
	total := codeConf + bytecodeConf + behaviorConf
	if total <= 0 {
		return e.base
	}

	w := models.EffectiveWeights{
		Code:     e.base.Code * (codeConf / total) * 3,
		Bytecode: e.base.Bytecode * (bytecodeConf / total) * 3,
		Behavior: e.base.Behavior * (behaviorConf / total) * 3,
	}
	sum := w.Sum()
	if sum <= 0 {
		return e.base
	}
	return models.EffectiveWeights{
		Code:     w.Code / sum,
		Bytecode: w.Bytecode / sum,
		Behavior: w.Behavior / sum,
	}
}

// RiskLevelFor 分数对应的风险等级
func RiskLevelFor(score float64) models.RiskLevel {
	switch {
	case score >= 0.8:
		return models.RiskCritical
	case score >= 0.6:
		return models.RiskHigh
	case score >= 0.4:
		return models.RiskMedium
	case score >= 0.2:
		return models.RiskLow
	default:
		return models.RiskVeryLow
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
