package validation

import (
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"scathat/internal/errors"
	"scathat/pkg/models"
)

var (
	hashRegex = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
	hexRegex  = regexp.MustCompile("^[0-9a-fA-F]*$")
)

// Validator 输入数据验证器
type Validator struct {
	logger     *logrus.Logger
	strictMode bool // 严格模式下越界读数视为错误
	rules      map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []*errors.RiskError `json:"errors,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
	DataType string              `json:"data_type"`
}

func (r *ValidationResult) fail(err *errors.RiskError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// Err 返回第一个错误，验证通过时为nil
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
		rules:      make(map[string]ValidationRule),
	}

	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewHashValidationRule())
	v.AddRule(NewBytecodeValidationRule())

	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// Check 使用指定规则验证数据
func (v *Validator) Check(ruleName string, data interface{}) error {
	rule, ok := v.rules[ruleName]
	if !ok {
		return fmt.Errorf("未注册的验证规则: %s", ruleName)
	}
	return rule.Validate(data)
}

// ValidateReading 验证检测器读数，越界值在非严格模式下只产生警告
func (v *Validator) ValidateReading(r *models.DetectorReading) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		DataType: "reading",
		Errors:   make([]*errors.RiskError, 0),
		Warnings: make([]string, 0),
	}
	if r == nil {
		return result
	}

	if r.Source != "" && !r.Source.Valid() {
		result.fail(errors.InvalidInput("UNKNOWN_SOURCE", fmt.Sprintf("未知的检测器来源: %s", r.Source)))
	}

	check := func(name string, value float64) {
		if math.IsNaN(value) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s为NaN，将使用替代读数", name))
			return
		}
		if value < 0 || value > 1 {
			if v.strictMode {
				result.fail(errors.InvalidInput("VALUE_OUT_OF_RANGE", fmt.Sprintf("%s超出[0,1]范围: %v", name, value)))
				return
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s超出[0,1]范围: %v，将被截断", name, value))
		}
	}
	check("risk_score", r.RiskScore)
	check("confidence", r.Confidence)

	return result
}

// ParseAddress 解析地址，混合大小写时要求符合EIP-55校验和
func ParseAddress(addr string) (common.Address, error) {
	if !isValidAddress(addr) {
		return common.Address{}, errors.InvalidInput("INVALID_ADDRESS_FORMAT", fmt.Sprintf("地址格式无效: %q", addr))
	}
	return common.HexToAddress(addr), nil
}

// DecodeBytecode 解码十六进制字节码，允许0x前缀
func DecodeBytecode(code string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(code), "0x"), "0X")
	if !hexRegex.MatchString(trimmed) || len(trimmed)%2 != 0 {
		return nil, errors.InvalidInput("INVALID_BYTECODE", "字节码必须为偶数长度的十六进制字符串")
	}
	out, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, errors.Wrap(err, models.ErrorKindInvalidInput, "INVALID_BYTECODE", "字节码解码失败")
	}
	return out, nil
}

// isValidHash 验证哈希格式
func isValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// isValidAddress 验证地址格式
func isValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") {
		return false
	}
	if !common.IsHexAddress(addr) {
		return false
	}

	body := addr[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(addr).Hex() == addr
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	_, err := ParseAddress(addr)
	return err
}

// HashValidationRule 交易哈希验证规则
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "哈希值验证规则"
}

func (r *HashValidationRule) Validate(data interface{}) error {
	hash, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidHash(hash) {
		return errors.InvalidInput("INVALID_HASH_FORMAT", "哈希格式无效")
	}
	return nil
}

// BytecodeValidationRule 字节码验证规则
type BytecodeValidationRule struct{}

func NewBytecodeValidationRule() *BytecodeValidationRule {
	return &BytecodeValidationRule{}
}

func (r *BytecodeValidationRule) Name() string {
	return "bytecode"
}

func (r *BytecodeValidationRule) Description() string {
	return "EVM字节码验证规则"
}

func (r *BytecodeValidationRule) Validate(data interface{}) error {
	code, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	_, err := DecodeBytecode(code)
	return err
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
