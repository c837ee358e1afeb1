package models

import (
	"math/big"
	"time"
)

// ErrorKind 错误分类
type ErrorKind string

const (
	ErrorKindInvalidInput           ErrorKind = "InvalidInput"
	ErrorKindServiceUnavailable     ErrorKind = "ServiceUnavailable"
	ErrorKindInsufficientFunds      ErrorKind = "InsufficientFunds"
	ErrorKindGasEstimationFailure   ErrorKind = "GasEstimationFailure"
	ErrorKindContractExecutionError ErrorKind = "ContractExecutionError"
	ErrorKindUnknown                ErrorKind = "Unknown"
)

// Retryable 该类错误是否允许重试
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindServiceUnavailable, ErrorKindGasEstimationFailure,
		ErrorKindContractExecutionError, ErrorKindUnknown:
		return true
	case ErrorKindInvalidInput, ErrorKindInsufficientFunds:
		return false
	default:
		return false
	}
}

// WriteReceipt 链上写入回执，创建后不再修改
type WriteReceipt struct {
	ID              string     `json:"id"`
	ContractAddress string     `json:"contract_address"`
	Success         bool       `json:"success"`
	TxHash          string     `json:"tx_hash,omitempty"`
	BlockNumber     uint64     `json:"block_number,omitempty"`
	GasUsed         uint64     `json:"gas_used"`
	GasPrice        *big.Int   `json:"gas_price"`
	TotalCost       *big.Int   `json:"total_cost"`
	TotalCostEth    string     `json:"total_cost_eth"`
	Retries         int        `json:"retries"`
	Error           *ErrorKind `json:"error,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
