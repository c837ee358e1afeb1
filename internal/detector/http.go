package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	riskerrors "scathat/internal/errors"
	"scathat/internal/logging"
	"scathat/internal/retry"
	"scathat/pkg/models"
)

// defaultConfidence 模型未返回置信度时使用的值
const defaultConfidence = 0.7

// Config HTTP检测器配置
type Config struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	EnableCache   bool          `mapstructure:"enable_cache"`
	CacheSize     int           `mapstructure:"cache_size"`
}

// HTTPDetector 通过HTTP调用远端模型服务
type HTTPDetector struct {
	source  models.Source
	config  Config
	client  *http.Client
	retrier *retry.Retrier
	logger  *logrus.Logger

	mu    sync.Mutex
	cache map[string]models.DetectorReading // 按输入哈希缓存读数
}

// NewHTTPDetector 创建HTTP检测器
func NewHTTPDetector(source models.Source, config Config, logger *logrus.Logger) (*HTTPDetector, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("未知的检测器来源: %s", source)
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("检测器 %s 未配置地址", source)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = retry.NetworkPolicy.MaxAttempts
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 1000
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	policy := retry.NetworkPolicy
	policy.MaxAttempts = config.RetryAttempts

	return &HTTPDetector{
		source:  source,
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		retrier: retry.NewRetrier(policy, logger),
		logger:  logger,
		cache:   make(map[string]models.DetectorReading),
	}, nil
}

// Source 检测器来源
func (d *HTTPDetector) Source() models.Source {
	return d.source
}

// analyzeResponse 模型服务的响应，不同模型使用不同字段
type analyzeResponse struct {
	RiskScore        *float64          `json:"risk_score"`
	Confidence       *float64          `json:"confidence"`
	BehaviorScore    *float64          `json:"behavior_score"`
	AnomalyScore     *float64          `json:"anomaly_score"`
	DetectedPatterns []json.RawMessage `json:"detected_patterns"`
	Vulnerabilities  []json.RawMessage `json:"vulnerabilities"`
}

// Analyze 调用模型服务的/analyze接口
func (d *HTTPDetector) Analyze(ctx context.Context, req Request) (models.DetectorReading, error) {
	payload, err := d.payload(req)
	if err != nil {
		return models.DetectorReading{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.DetectorReading{}, err
	}

	key := cacheKey(d.source, body)
	if d.config.EnableCache {
		if r, ok := d.cached(key); ok {
			return r, nil
		}
	}

	url := strings.TrimRight(d.config.BaseURL, "/") + "/analyze"
	var resp analyzeResponse
	attempts, err := d.retrier.Execute(ctx, string(d.source)+"/analyze", func(int) error {
		return d.post(ctx, url, body, &resp)
	})
	if err != nil {
		logging.NewDetectorLogger(d.logger, string(d.source), url).
			WithError(err).WithField("attempts", attempts+1).Debug("检测器调用失败")
		return models.DetectorReading{}, riskerrors.ServiceUnavailable(err, fmt.Sprintf("检测器 %s 调用失败", d.source)).
			WithComponent("detector")
	}

	reading := d.toReading(resp)
	if d.config.EnableCache {
		d.store(key, reading)
	}
	return reading, nil
}

// payload 各模型的请求体
func (d *HTTPDetector) payload(req Request) (map[string]string, error) {
	p := make(map[string]string)
	switch d.source {
	case models.SourceBytecode:
		if req.Bytecode == "" {
			return nil, riskerrors.InvalidInput("MISSING_BYTECODE", "字节码检测需要bytecode")
		}
		p["bytecode"] = req.Bytecode
		if req.ContractAddress != "" {
			p["contract_address"] = req.ContractAddress
		}
	case models.SourceCodeAnalyzer:
		if req.SourceCode == "" {
			return nil, riskerrors.InvalidInput("MISSING_SOURCE", "源码分析需要solidity_code")
		}
		p["solidity_code"] = req.SourceCode
		if req.ContractName != "" {
			p["contract_name"] = req.ContractName
		}
	case models.SourceBehavior:
		if req.ContractAddress == "" {
			return nil, riskerrors.InvalidInput("MISSING_ADDRESS", "行为分析需要contract_address")
		}
		p["contract_address"] = req.ContractAddress
	}
	return p, nil
}

func (d *HTTPDetector) post(ctx context.Context, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return retry.NewStatusError(resp.StatusCode, true)
	}
	if resp.StatusCode != http.StatusOK {
		return retry.NewStatusError(resp.StatusCode, false)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析检测器响应失败: %w", err)
	}
	return nil
}

// toReading 统一分值范围并提取发现项
func (d *HTTPDetector) toReading(resp analyzeResponse) models.DetectorReading {
	score, conf := resp.RiskScore, resp.Confidence
	patterns := resp.DetectedPatterns
	switch d.source {
	case models.SourceBehavior:
		if resp.BehaviorScore != nil {
			score = resp.BehaviorScore
		}
		if resp.AnomalyScore != nil {
			conf = resp.AnomalyScore
		}
	case models.SourceCodeAnalyzer:
		patterns = resp.Vulnerabilities
	}

	reading := models.DetectorReading{
		Source:     d.source,
		RiskScore:  0,
		Confidence: defaultConfidence,
		Findings:   make([]models.Finding, 0, len(patterns)),
	}
	if score != nil {
		reading.RiskScore = normalize(*score)
	}
	if conf != nil {
		reading.Confidence = normalize(*conf)
	}
	for _, raw := range patterns {
		if f, ok := parseFinding(d.source, raw); ok {
			reading.Findings = append(reading.Findings, f)
		}
	}
	return reading
}

// normalize 百分制分数转换为[0,1]
func normalize(v float64) float64 {
	if v > 1.0 {
		return v / 100.0
	}
	return v
}

// parseFinding 发现项可以是字符串或对象
func parseFinding(source models.Source, raw json.RawMessage) (models.Finding, bool) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return models.Finding{
			PatternID: name,
			Category:  categorize(source, name),
			Severity:  models.SeverityMedium,
		}, name != ""
	}

	var obj struct {
		Type        string `json:"type"`
		Name        string `json:"name"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return models.Finding{}, false
	}
	id := obj.Type
	if id == "" {
		id = obj.Name
	}
	if id == "" {
		return models.Finding{}, false
	}
	return models.Finding{
		PatternID:   id,
		Category:    categorize(source, id),
		Severity:    severity(obj.Severity),
		Description: obj.Description,
	}, true
}

func categorize(source models.Source, id string) models.Category {
	s := strings.ToLower(id)
	switch {
	case strings.Contains(s, "reentr"):
		return models.CategoryReentrancy
	case strings.Contains(s, "selfdestruct"), strings.Contains(s, "self_destruct"), strings.Contains(s, "suicide"):
		return models.CategorySelfDestruct
	case strings.Contains(s, "delegatecall"), strings.Contains(s, "delegate_call"):
		return models.CategoryDelegateCall
	case strings.Contains(s, "assembly"):
		return models.CategoryInlineAssembly
	case strings.Contains(s, "owner"), strings.Contains(s, "access"), strings.Contains(s, "auth"):
		return models.CategoryAccessControl
	case strings.Contains(s, "transfer"), strings.Contains(s, "value"), strings.Contains(s, "ether"):
		return models.CategoryValueTransfer
	case strings.Contains(s, "hidden"), strings.Contains(s, "backdoor"):
		return models.CategoryHiddenFunctionality
	case source == models.SourceBehavior:
		return models.CategoryBehavioral
	default:
		return models.CategoryOther
	}
}

func severity(s string) models.Severity {
	switch models.Severity(strings.ToLower(s)) {
	case models.SeverityLow:
		return models.SeverityLow
	case models.SeverityHigh:
		return models.SeverityHigh
	case models.SeverityCritical:
		return models.SeverityCritical
	default:
		return models.SeverityMedium
	}
}

// Health 调用模型服务的/health接口
func (d *HTTPDetector) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(d.config.BaseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return riskerrors.ServiceUnavailable(err, fmt.Sprintf("检测器 %s 健康检查失败", d.source))
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if resp.StatusCode != http.StatusOK {
		return riskerrors.ServiceUnavailable(retry.NewStatusError(resp.StatusCode, false), fmt.Sprintf("检测器 %s 不健康", d.source))
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status != "healthy" {
		return riskerrors.ServiceUnavailable(err, fmt.Sprintf("检测器 %s 状态异常: %q", d.source, body.Status))
	}
	return nil
}

func cacheKey(source models.Source, body []byte) string {
	return string(source) + ":" + crypto.Keccak256Hash(body).Hex()
}

func (d *HTTPDetector) cached(key string) (models.DetectorReading, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.cache[key]
	return r, ok
}

func (d *HTTPDetector) store(key string, r models.DetectorReading) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cache) >= d.config.CacheSize {
		d.evictCache()
	}
	d.cache[key] = r
}

// evictCache 清理一半缓存
func (d *HTTPDetector) evictCache() {
	target := d.config.CacheSize / 2
	count := 0
	for key := range d.cache {
		if count >= len(d.cache)-target {
			break
		}
		delete(d.cache, key)
		count++
	}
	d.logger.Debugf("检测器 %s 缓存清理完成，剩余 %d 项", d.source, len(d.cache))
}

// GetCacheSize 获取缓存大小
func (d *HTTPDetector) GetCacheSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cache)
}

// ClearCache 清理缓存
func (d *HTTPDetector) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]models.DetectorReading)
}
