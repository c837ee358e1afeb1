package models

// VerificationStatus 链上验证状态
type VerificationStatus string

const (
	StatusVerified   VerificationStatus = "verified"
	StatusUnverified VerificationStatus = "unverified"
	StatusSuspicious VerificationStatus = "suspicious"
	StatusMalicious  VerificationStatus = "malicious"
	StatusError      VerificationStatus = "error"
)

// Complexity 合约复杂度
type Complexity string

const (
	ComplexityLow    Complexity = "LOW"
	ComplexityMedium Complexity = "MEDIUM"
	ComplexityHigh   Complexity = "HIGH"
)

// GasComplexity 基于代码体积的gas复杂度估计，仅作提示
type GasComplexity struct {
	CodeSizeBytes           int        `json:"code_size_bytes"`
	Complexity              Complexity `json:"code_complexity"`
	OptimizationAvailable   bool       `json:"optimization_available"`
	EstimatedSavingsPercent int        `json:"estimated_savings_percent"`
	Recommendations         []string   `json:"recommendations"`
}

// VerificationResult 字节码验证结果
type VerificationResult struct {
	Address             string             `json:"address"`
	Status              VerificationStatus `json:"status"`
	Message             string             `json:"message,omitempty"`
	BytecodeLength      int                `json:"bytecode_length"`
	BytecodeMatch       *bool              `json:"bytecode_match,omitempty"`
	SecurityFindings    []Finding          `json:"security_findings"`
	MaliciousIndicators int                `json:"malicious_indicators"`
	CriticalIssues      int                `json:"critical_issues"`
	Warnings            int                `json:"warnings"`
	RiskScore           int                `json:"risk_score_0_100"`
	Gas                 GasComplexity      `json:"gas_optimization"`
}
