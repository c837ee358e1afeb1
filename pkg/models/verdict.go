package models

// OverallRiskLevel 综合风险等级
type OverallRiskLevel string

const (
	OverallLow      OverallRiskLevel = "LOW"
	OverallMedium   OverallRiskLevel = "MEDIUM"
	OverallHigh     OverallRiskLevel = "HIGH"
	OverallCritical OverallRiskLevel = "CRITICAL"
)

// OverallVerdict 写入链上的最终结论
type OverallVerdict struct {
	ContractAddress     string             `json:"contract_address"`
	AIScore             float64            `json:"ai_score"`
	AIConfidence        float64            `json:"ai_confidence"`
	VerificationStatus  VerificationStatus `json:"verification_status"`
	OverallRiskLevel    OverallRiskLevel   `json:"overall_risk_level"`
	GasOptimizationHint GasComplexity      `json:"gas_optimization_hint"`
	ErrorDetails        string             `json:"error_details,omitempty"`
}
