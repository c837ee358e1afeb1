package verdict

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"scathat/pkg/models"
)

const addr = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func verification(status models.VerificationStatus) models.VerificationResult {
	return models.VerificationResult{Address: addr, Status: status}
}

func TestCombine_Priority(t *testing.T) {
	tests := []struct {
		name   string
		score  float64
		status models.VerificationStatus
		want   models.OverallRiskLevel
	}{
		{"malicious overrides zero score", 0.0, models.StatusMalicious, models.OverallCritical},
		{"malicious with high score", 0.95, models.StatusMalicious, models.OverallCritical},
		{"suspicious low score", 0.1, models.StatusSuspicious, models.OverallHigh},
		{"verified high score", 0.7, models.StatusVerified, models.OverallHigh},
		{"unverified medium score", 0.5, models.StatusUnverified, models.OverallMedium},
		{"verified medium boundary", 0.4, models.StatusVerified, models.OverallMedium},
		{"verified low score", 0.39, models.StatusVerified, models.OverallLow},
		{"error low score", 0.1, models.StatusError, models.OverallLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Combine(addr, tt.score, 0.8, verification(tt.status), models.GasComplexity{})
			assert.Equal(t, tt.want, v.OverallRiskLevel)
			assert.Equal(t, tt.status, v.VerificationStatus)
		})
	}
}

func TestCombine_MaliciousNeverLow(t *testing.T) {
	for score := 0.0; score <= 1.0; score += 0.05 {
		v := Combine(addr, score, 0, verification(models.StatusMalicious), models.GasComplexity{})
		assert.Equal(t, models.OverallCritical, v.OverallRiskLevel)
	}
}

func TestCombine_ErrorDetails(t *testing.T) {
	vr := verification(models.StatusError)
	vr.Message = "no contract code at address"

	v := Combine(addr, 0.2, 0.5, vr, models.GasComplexity{})
	assert.Equal(t, "no contract code at address", v.ErrorDetails)

	ok := Combine(addr, 0.2, 0.5, verification(models.StatusVerified), models.GasComplexity{})
	assert.Empty(t, ok.ErrorDetails)
}

func TestRegistryLevel(t *testing.T) {
	assert.Equal(t, RegistrySafe, RegistryLevel(models.OverallLow))
	assert.Equal(t, RegistryWarning, RegistryLevel(models.OverallMedium))
	assert.Equal(t, RegistryDangerous, RegistryLevel(models.OverallHigh))
	assert.Equal(t, RegistryDangerous, RegistryLevel(models.OverallCritical))
}

func TestFormatRiskString(t *testing.T) {
	v := Combine(addr, 0.756, 0.9, verification(models.StatusSuspicious), models.GasComplexity{EstimatedSavingsPercent: 12})

	assert.Equal(t, "AI:0.76:VER:suspicious:LVL:HIGH:GAS:12", FormatRiskString(v))
}

func TestFormatRiskString_Truncated(t *testing.T) {
	v := models.OverallVerdict{
		AIScore:            0.5,
		VerificationStatus: models.VerificationStatus(strings.Repeat("x", 400)),
		OverallRiskLevel:   models.OverallMedium,
	}

	s := FormatRiskString(v)
	assert.Equal(t, MaxRiskStringLen, utf8.RuneCountInString(s))
	assert.True(t, strings.HasSuffix(s, "..."))
}

func TestFormatFusedRiskString(t *testing.T) {
	r := models.FusedRiskResult{
		FinalScore:  0.888,
		RiskLevel:   models.RiskCritical,
		Explanation: strings.Repeat("a", 200),
	}

	s := FormatFusedRiskString(r)
	assert.True(t, strings.HasPrefix(s, "Score: 0.888 | Level: critical | Explanation: "))
	assert.True(t, strings.HasSuffix(s, strings.Repeat("a", 147)+"..."))
	assert.LessOrEqual(t, len(s), MaxRiskStringLen)

	short := FormatFusedRiskString(models.FusedRiskResult{FinalScore: 0.1, RiskLevel: models.RiskVeryLow, Explanation: "ok"})
	assert.Equal(t, "Score: 0.100 | Level: very_low | Explanation: ok", short)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "a...", Truncate("abcdef", 4))
	assert.Equal(t, "风险...", Truncate("风险评估结果", 5))
}
