package fusion

import (
	"fmt"
	"strings"

	"scathat/pkg/models"
)

// influenceThreshold 有效权重超过该值的来源被视为主要影响因素
const influenceThreshold = 0.35

type sentences struct {
	significant string
	concern     string
	influential string
}

var sourceSentences = map[models.Source]sentences{
	models.SourceCodeAnalyzer: {
		significant: "Code analysis detected significant risks",
		concern:     "Code analysis found some concerns",
		influential: "code analysis was most influential",
	},
	models.SourceBytecode: {
		significant: "Bytecode patterns indicate potential issues",
		concern:     "Bytecode analysis shows minor concerns",
		influential: "bytecode patterns were most influential",
	},
	models.SourceBehavior: {
		significant: "Behavior patterns suggest suspicious activity",
		concern:     "Behavior analysis indicates some anomalies",
		influential: "behavior analysis was most influential",
	},
}

// explain 生成确定性的解释文本
func explain(readings map[models.Source]models.DetectorReading, weights models.EffectiveWeights, level models.RiskLevel) string {
	parts := make([]string, 0, 4)

	for _, source := range models.AllSources {
		score := readings[source].RiskScore
		s := sourceSentences[source]
		switch {
		case score > 0.5:
			parts = append(parts, fmt.Sprintf("%s (%.1f%%)", s.significant, score*100))
		case score > 0.2:
			parts = append(parts, fmt.Sprintf("%s (%.1f%%)", s.concern, score*100))
		}
	}

	if len(parts) == 0 {
		parts = append(parts, "All models indicate low risk levels")
	}

	var influential []string
	for _, source := range models.AllSources {
		if weights.For(source) > influenceThreshold {
			influential = append(influential, sourceSentences[source].influential)
		}
	}
	if len(influential) > 0 {
		parts = append(parts, "Based on model confidence, "+strings.Join(influential, " and "))
	}

	return strings.Join(parts, ". ") + " Overall risk level: " + string(level) + "."
}

var recommendations = map[models.RiskLevel][]string{
	models.RiskCritical: {
		"Immediate intervention required",
		"Block all interactions with this contract",
		"Notify security team immediately",
	},
	models.RiskHigh: {
		"High risk detected - review required",
		"Limit interactions until further analysis",
		"Monitor for suspicious activity",
	},
	models.RiskMedium: {
		"Moderate risk - proceed with caution",
		"Review contract details before significant interactions",
		"Monitor for changes in risk profile",
	},
	models.RiskLow: {
		"Low risk - normal operations acceptable",
		"Continue standard monitoring procedures",
		"Review if risk profile changes",
	},
	models.RiskVeryLow: {
		"Very low risk - safe to interact",
		"Maintain standard security practices",
		"No immediate action needed",
	},
}

// Recommendations 风险等级对应的处置建议，返回副本
func Recommendations(level models.RiskLevel) []string {
	recs, ok := recommendations[level]
	if !ok {
		recs = recommendations[models.RiskVeryLow]
	}
	return append([]string(nil), recs...)
}
