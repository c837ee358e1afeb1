package models

// RiskLevel 融合风险等级
type RiskLevel string

const (
	RiskVeryLow  RiskLevel = "very_low"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// EffectiveWeights 置信度调整后的权重，三者之和为1
type EffectiveWeights struct {
	Bytecode float64 `json:"bytecode"`
	Code     float64 `json:"code"`
	Behavior float64 `json:"behavior"`
}

// Sum 权重之和
func (w EffectiveWeights) Sum() float64 {
	return w.Bytecode + w.Code + w.Behavior
}

// For 按来源取权重
func (w EffectiveWeights) For(source Source) float64 {
	switch source {
	case SourceBytecode:
		return w.Bytecode
	case SourceCodeAnalyzer:
		return w.Code
	case SourceBehavior:
		return w.Behavior
	default:
		return 0
	}
}

// Contribution 单个来源对最终分数的贡献
type Contribution struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight"`
	Degraded   bool    `json:"degraded"`
}

// FusedRiskResult 融合结果
type FusedRiskResult struct {
	FinalScore        float64                 `json:"final_score"`
	RiskLevel         RiskLevel               `json:"risk_level"`
	OverallConfidence float64                 `json:"overall_confidence"`
	Explanation       string                  `json:"explanation"`
	Contributions     map[Source]Contribution `json:"contributions"`
	Recommendations   []string                `json:"recommendations"`
	Weights           EffectiveWeights        `json:"-"`
}
