package models

// Source 检测器来源
type Source string

const (
	SourceBytecode     Source = "bytecode"
	SourceCodeAnalyzer Source = "code_analyzer"
	SourceBehavior     Source = "behavior"
)

// AllSources 固定的检测器顺序，融合与解释文本都依赖该顺序
var AllSources = []Source{SourceCodeAnalyzer, SourceBytecode, SourceBehavior}

// Valid 判断来源是否为已知检测器
func (s Source) Valid() bool {
	switch s {
	case SourceBytecode, SourceCodeAnalyzer, SourceBehavior:
		return true
	default:
		return false
	}
}

// Severity 发现项严重级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category 发现项类别
type Category string

const (
	CategoryReentrancy          Category = "reentrancy"
	CategorySelfDestruct        Category = "self_destruct"
	CategoryDelegateCall        Category = "delegate_call"
	CategoryValueTransfer       Category = "value_transfer"
	CategoryInlineAssembly      Category = "inline_assembly"
	CategoryHiddenFunctionality Category = "hidden_functionality"
	CategoryAccessControl       Category = "access_control"
	CategoryBehavioral          Category = "behavioral"
	CategoryOther               Category = "other"
)

// Finding 单个检测发现
type Finding struct {
	PatternID   string   `json:"pattern_id"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// DetectorReading 单个检测器的读数
type DetectorReading struct {
	Source     Source    `json:"source"`
	RiskScore  float64   `json:"risk_score"`
	Confidence float64   `json:"confidence"`
	Findings   []Finding `json:"findings,omitempty"`
	Degraded   bool      `json:"degraded"`
}

// 缺失或不可用检测器的替代读数
const (
	FallbackScore      = 0.0
	FallbackConfidence = 0.1
)

// FallbackReading 返回低置信度的中性替代读数
func FallbackReading(source Source) DetectorReading {
	return DetectorReading{
		Source:     source,
		RiskScore:  FallbackScore,
		Confidence: FallbackConfidence,
		Degraded:   true,
	}
}
