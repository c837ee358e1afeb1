package verification

import (
	"regexp"

	"scathat/pkg/models"
)

// signature 字节码文本上的特征模式
type signature struct {
	id       string
	re       *regexp.Regexp
	category models.Category
	severity models.Severity
	desc     string
}

// 恶意特征，每命中一个计一次malicious indicator
var maliciousSignatures = []signature{
	{"selfdestruct", regexp.MustCompile(`selfdestruct`), models.CategorySelfDestruct, models.SeverityHigh, "selfdestruct pattern present"},
	{"delegatecall", regexp.MustCompile(`delegatecall`), models.CategoryDelegateCall, models.SeverityHigh, "delegatecall pattern present"},
	{"call_value", regexp.MustCompile(`call.*value`), models.CategoryValueTransfer, models.SeverityMedium, "value-bearing call pattern present"},
	{"assembly", regexp.MustCompile(`assembly`), models.CategoryInlineAssembly, models.SeverityMedium, "inline assembly pattern present"},
}

// 重入风险启发式，任一命中计一个critical issue
var reentrancySignatures = []*regexp.Regexp{
	regexp.MustCompile(`call.*value`),
	regexp.MustCompile(`transfer.*call`),
}

// 隐藏功能水印，任一命中计一个warning
var hiddenSignatures = []*regexp.Regexp{
	regexp.MustCompile(`deadbeef`),
	regexp.MustCompile(`cafebabe`),
	regexp.MustCompile(`1337`),
}

// securityScan 扫描结果
type securityScan struct {
	findings  []models.Finding
	malicious int
	critical  int
	warnings  int
}

// riskScore 0-100的风险分
func (s securityScan) riskScore() int {
	score := s.critical*40 + s.malicious*20 + s.warnings*5
	if score > 100 {
		return 100
	}
	return score
}

// scan 在小写十六进制文本上执行特征匹配
func scan(hexText string) securityScan {
	var out securityScan

	for _, sig := range maliciousSignatures {
		if sig.re.MatchString(hexText) {
			out.malicious++
			out.findings = append(out.findings, models.Finding{
				PatternID:   sig.id,
				Category:    sig.category,
				Severity:    sig.severity,
				Description: sig.desc,
			})
		}
	}

	if matchAny(reentrancySignatures, hexText) {
		out.critical++
		out.findings = append(out.findings, models.Finding{
			PatternID:   "potential_reentrancy",
			Category:    models.CategoryReentrancy,
			Severity:    models.SeverityCritical,
			Description: "external value call pattern suggests reentrancy risk",
		})
	}

	if matchAny(hiddenSignatures, hexText) {
		out.warnings++
		out.findings = append(out.findings, models.Finding{
			PatternID:   "hidden_functionality",
			Category:    models.CategoryHiddenFunctionality,
			Severity:    models.SeverityLow,
			Description: "watermark constant suggests hidden functionality",
		})
	}

	return out
}

func matchAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
