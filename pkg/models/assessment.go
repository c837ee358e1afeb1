package models

import "time"

// Assessment 一次完整评估的审计记录
type Assessment struct {
	ID              string              `json:"id"`
	ContractAddress string              `json:"contract_address,omitempty"`
	Fused           FusedRiskResult     `json:"fused"`
	Verification    *VerificationResult `json:"verification,omitempty"`
	Verdict         *OverallVerdict     `json:"verdict,omitempty"`
	Receipt         *WriteReceipt       `json:"receipt,omitempty"`
	DurationMs      int64               `json:"duration_ms"`
	CreatedAt       time.Time           `json:"created_at"`
}
