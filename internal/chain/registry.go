package chain

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultRegistryABI 风险注册合约的最小ABI
const DefaultRegistryABI = `[
	{"type":"function","name":"writeRiskScore","stateMutability":"nonpayable",
	 "inputs":[{"name":"contractAddress","type":"address"},{"name":"riskScore","type":"string"},{"name":"riskLevel","type":"uint8"}],
	 "outputs":[]},
	{"type":"function","name":"getRiskScore","stateMutability":"view",
	 "inputs":[{"name":"contractAddress","type":"address"}],
	 "outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"hasRiskScore","stateMutability":"view",
	 "inputs":[{"name":"contractAddress","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

const (
	methodWrite = "writeRiskScore"
	methodGet   = "getRiskScore"
	methodHas   = "hasRiskScore"
)

// Registry 链上风险注册合约
type Registry struct {
	Address common.Address
	abi     abi.ABI
}

// NewRegistry 使用ABI JSON创建注册合约，abiJSON为空时使用默认ABI
func NewRegistry(address common.Address, abiJSON string) (*Registry, error) {
	if strings.TrimSpace(abiJSON) == "" {
		abiJSON = DefaultRegistryABI
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("解析注册合约ABI失败: %w", err)
	}
	for _, name := range []string{methodWrite, methodGet, methodHas} {
		if _, ok := parsed.Methods[name]; !ok {
			return nil, fmt.Errorf("注册合约ABI缺少方法: %s", name)
		}
	}
	return &Registry{Address: address, abi: parsed}, nil
}

// LoadRegistry 从ABI文件创建注册合约，path为空时使用默认ABI
func LoadRegistry(address common.Address, path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(address, "")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取注册合约ABI文件失败: %w", err)
	}
	return NewRegistry(address, string(data))
}

// ABI 返回解析后的ABI
func (r *Registry) ABI() *abi.ABI {
	return &r.abi
}

// PackWrite 编码writeRiskScore调用
func (r *Registry) PackWrite(target common.Address, risk string, level uint8) ([]byte, error) {
	return r.abi.Pack(methodWrite, target, risk, level)
}

// PackGet 编码getRiskScore调用
func (r *Registry) PackGet(target common.Address) ([]byte, error) {
	return r.abi.Pack(methodGet, target)
}

// PackHas 编码hasRiskScore调用
func (r *Registry) PackHas(target common.Address) ([]byte, error) {
	return r.abi.Pack(methodHas, target)
}

// UnpackGet 解码getRiskScore返回值
func (r *Registry) UnpackGet(data []byte) (string, error) {
	out, err := r.abi.Unpack(methodGet, data)
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", fmt.Errorf("getRiskScore返回值数量异常: %d", len(out))
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("getRiskScore返回值类型异常: %T", out[0])
	}
	return s, nil
}

// UnpackHas 解码hasRiskScore返回值
func (r *Registry) UnpackHas(data []byte) (bool, error) {
	out, err := r.abi.Unpack(methodHas, data)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("hasRiskScore返回值数量异常: %d", len(out))
	}
	b, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("hasRiskScore返回值类型异常: %T", out[0])
	}
	return b, nil
}
