package verification

import "scathat/pkg/models"

// EstimateGasComplexity 按代码体积估计gas复杂度，仅作提示
func EstimateGasComplexity(codeSize int) models.GasComplexity {
	hint := models.GasComplexity{
		CodeSizeBytes:           codeSize,
		OptimizationAvailable:   codeSize > 1000,
		EstimatedSavingsPercent: codeSize / 100,
		Recommendations:         make([]string, 0, 2),
	}

	switch {
	case codeSize < 500:
		hint.Complexity = models.ComplexityLow
	case codeSize < 2000:
		hint.Complexity = models.ComplexityMedium
	default:
		hint.Complexity = models.ComplexityHigh
	}

	if hint.EstimatedSavingsPercent > 15 {
		hint.EstimatedSavingsPercent = 15
	}

	if codeSize > 2000 {
		hint.Recommendations = append(hint.Recommendations, "Consider contract splitting or library usage")
	}
	if codeSize > 1000 {
		hint.Recommendations = append(hint.Recommendations, "Review storage patterns for gas optimization")
	}

	return hint
}
