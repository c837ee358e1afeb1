package verdict

import (
	"fmt"

	"scathat/pkg/models"
)

// MaxRiskStringLen 注册合约接受的风险描述最大长度
const MaxRiskStringLen = 256

// explanationLimit 融合描述中解释文本的最大长度
const explanationLimit = 150

// 注册合约中的风险等级枚举
const (
	RegistrySafe      uint8 = 0
	RegistryWarning   uint8 = 1
	RegistryDangerous uint8 = 2
)

// Combine 合并AI评分与验证结果，验证结论只会提升风险等级
func Combine(address string, aiScore, aiConfidence float64, v models.VerificationResult, gas models.GasComplexity) models.OverallVerdict {
	out := models.OverallVerdict{
		ContractAddress:     address,
		AIScore:             aiScore,
		AIConfidence:        aiConfidence,
		VerificationStatus:  v.Status,
		OverallRiskLevel:    levelFor(aiScore, v.Status),
		GasOptimizationHint: gas,
	}
	if v.Status == models.StatusError {
		out.ErrorDetails = v.Message
	}
	return out
}

func levelFor(aiScore float64, status models.VerificationStatus) models.OverallRiskLevel {
	switch {
	case status == models.StatusMalicious:
		return models.OverallCritical
	case status == models.StatusSuspicious:
		return models.OverallHigh
	case aiScore >= 0.7:
		return models.OverallHigh
	case aiScore >= 0.4:
		return models.OverallMedium
	default:
		return models.OverallLow
	}
}

// RegistryLevel 综合等级映射到注册合约的三级枚举
func RegistryLevel(level models.OverallRiskLevel) uint8 {
	switch level {
	case models.OverallLow:
		return RegistrySafe
	case models.OverallMedium:
		return RegistryWarning
	default:
		return RegistryDangerous
	}
}

// FormatRiskString 生成写入链上的风险描述
func FormatRiskString(v models.OverallVerdict) string {
	s := fmt.Sprintf("AI:%.2f:VER:%s:LVL:%s:GAS:%d",
		v.AIScore, v.VerificationStatus, v.OverallRiskLevel, v.GasOptimizationHint.EstimatedSavingsPercent)
	return Truncate(s, MaxRiskStringLen)
}

// FormatFusedRiskString 生成融合结果的可读描述
func FormatFusedRiskString(r models.FusedRiskResult) string {
	s := fmt.Sprintf("Score: %.3f | Level: %s | Explanation: %s",
		r.FinalScore, r.RiskLevel, Truncate(r.Explanation, explanationLimit))
	return Truncate(s, MaxRiskStringLen)
}

// Truncate 超过max个字符时截断并以...结尾
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
