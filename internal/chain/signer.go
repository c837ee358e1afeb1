package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 交易签名者，私钥不会出现在日志或字符串表示中
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner 从十六进制私钥创建签名者
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("私钥格式无效")
	}
	return NewSignerFromKey(key), nil
}

// NewSignerFromKey 从已有私钥创建签名者
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// SignerFromEnv 从环境变量读取私钥
func SignerFromEnv(name string) (*Signer, error) {
	value := os.Getenv(name)
	if value == "" {
		return nil, fmt.Errorf("环境变量 %s 未设置", name)
	}
	return NewSigner(value)
}

// Address 签名者地址
func (s *Signer) Address() common.Address {
	return s.address
}

// String 只暴露地址
func (s *Signer) String() string {
	return fmt.Sprintf("Signer(%s)", s.address.Hex())
}

// GoString 与String一致，避免%#v打印私钥
func (s *Signer) GoString() string {
	return s.String()
}

// SignTx 使用EIP-155签名交易
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
}
