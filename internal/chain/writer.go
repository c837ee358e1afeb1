package chain

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	riskerrors "scathat/internal/errors"
	"scathat/internal/logging"
	"scathat/internal/metrics"
	"scathat/internal/retry"
	"scathat/internal/verdict"
	"scathat/pkg/models"
)

// ErrNotFound 注册合约中不存在该地址的风险记录
var ErrNotFound = stderrors.New("risk score not found")

// WriterConfig 链上写入配置
type WriterConfig struct {
	ChainID             *big.Int
	MaxRetries          int
	GasLimitMultiplier  float64
	GasPriceMultiplier  float64
	BlockGasCap         float64
	BackoffBase         time.Duration
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	CallTimeout         time.Duration
	BatchWorkers        int
}

// DefaultWriterConfig 默认写入配置
func DefaultWriterConfig(chainID *big.Int) WriterConfig {
	return WriterConfig{
		ChainID:             chainID,
		MaxRetries:          3,
		GasLimitMultiplier:  1.2,
		GasPriceMultiplier:  1.1,
		BlockGasCap:         0.9,
		BackoffBase:         time.Second,
		ReceiptTimeout:      120 * time.Second,
		ReceiptPollInterval: 2 * time.Second,
		CallTimeout:         30 * time.Second,
		BatchWorkers:        4,
	}
}

// WriteRequest 一次写入请求
type WriteRequest struct {
	Target   common.Address
	Verdict  models.OverallVerdict
	Signer   *Signer
	Registry *Registry
}

// Writer 链上写入引擎，同一签名者的写入串行执行
type Writer struct {
	backend Backend
	config  WriterConfig
	logger  *logrus.Logger
	metrics *metrics.Metrics

	locksMu sync.Mutex
	locks   map[common.Address]*sync.Mutex
}

// NewWriter 创建写入引擎
func NewWriter(backend Backend, config WriterConfig, logger *logrus.Logger, m *metrics.Metrics) (*Writer, error) {
	if backend == nil {
		return nil, fmt.Errorf("节点后端不能为空")
	}
	if config.ChainID == nil || config.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("链ID必须大于0")
	}

	defaults := DefaultWriterConfig(config.ChainID)
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.GasLimitMultiplier <= 0 {
		config.GasLimitMultiplier = defaults.GasLimitMultiplier
	}
	if config.GasPriceMultiplier <= 0 {
		config.GasPriceMultiplier = defaults.GasPriceMultiplier
	}
	if config.BlockGasCap <= 0 || config.BlockGasCap > 1 {
		config.BlockGasCap = defaults.BlockGasCap
	}
	if config.BackoffBase < 0 {
		config.BackoffBase = defaults.BackoffBase
	}
	if config.ReceiptTimeout <= 0 {
		config.ReceiptTimeout = defaults.ReceiptTimeout
	}
	if config.ReceiptPollInterval <= 0 {
		config.ReceiptPollInterval = defaults.ReceiptPollInterval
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	if config.BatchWorkers <= 0 {
		config.BatchWorkers = defaults.BatchWorkers
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Writer{
		backend: backend,
		config:  config,
		logger:  logger,
		metrics: m,
		locks:   make(map[common.Address]*sync.Mutex),
	}, nil
}

// signerLock 每个签名者一把锁，保证nonce按顺序使用
func (w *Writer) signerLock(addr common.Address) *sync.Mutex {
	w.locksMu.Lock()
	defer w.locksMu.Unlock()
	lock, ok := w.locks[addr]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[addr] = lock
	}
	return lock
}

// callCtx 单次RPC调用的超时上下文
func (w *Writer) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.config.CallTimeout)
}

// attemptOutcome 单次尝试的链上结果
type attemptOutcome struct {
	txHash   common.Hash
	gasPrice *big.Int
	receipt  *types.Receipt
}

// WriteVerdict 写入一个风险结论，失败以回执形式返回而不是error
func (w *Writer) WriteVerdict(ctx context.Context, req WriteRequest) models.WriteReceipt {
	receipt := models.WriteReceipt{
		ID:              uuid.NewString(),
		ContractAddress: req.Target.Hex(),
		GasPrice:        new(big.Int),
		TotalCost:       new(big.Int),
		TotalCostEth:    "0",
		CreatedAt:       time.Now().UTC(),
	}

	if req.Signer == nil || req.Registry == nil {
		return w.finish(receipt, nil, 0, riskerrors.InvalidInput("INVALID_WRITE_REQUEST", "签名者和注册合约不能为空"))
	}

	risk := verdict.FormatRiskString(req.Verdict)
	level := verdict.RegistryLevel(req.Verdict.OverallRiskLevel)
	data, err := req.Registry.PackWrite(req.Target, risk, level)
	if err != nil {
		return w.finish(receipt, nil, 0, riskerrors.Wrap(err, models.ErrorKindInvalidInput, "ABI_PACK_FAILED", "编码写入调用失败"))
	}

	logger := logging.NewWritebackLogger(w.logger, receipt.ID, req.Target.Hex()).WithFields(logrus.Fields{
		"signer":         req.Signer.Address().Hex(),
		"registry_level": level,
	})

	lock := w.signerLock(req.Signer.Address())
	lock.Lock()
	defer lock.Unlock()

	retrier := retry.NewRetrier(retry.Policy{
		MaxAttempts:     w.config.MaxRetries,
		InitialInterval: w.config.BackoffBase,
		MaxInterval:     60 * time.Second,
		BackoffFactor:   2.0,
		Retryable:       retry.IsRetryableError,
	}, w.logger)

	var last *attemptOutcome
	attempt, err := retrier.Execute(ctx, "writeRiskScore", func(attempt int) error {
		out, err := w.attempt(ctx, req, data, logger.WithField("attempt", attempt))
		last = out
		return err
	})

	return w.finish(receipt, last, attempt, err)
}

// finish 填充回执并记录指标
func (w *Writer) finish(receipt models.WriteReceipt, out *attemptOutcome, attempt int, err error) models.WriteReceipt {
	receipt.Retries = attempt

	if out != nil {
		receipt.TxHash = out.txHash.Hex()
		price := out.gasPrice
		if out.receipt != nil {
			if out.receipt.BlockNumber != nil {
				receipt.BlockNumber = out.receipt.BlockNumber.Uint64()
			}
			receipt.GasUsed = out.receipt.GasUsed
			if out.receipt.EffectiveGasPrice != nil && out.receipt.EffectiveGasPrice.Sign() > 0 {
				price = out.receipt.EffectiveGasPrice
			}
		}
		if price != nil {
			receipt.GasPrice = new(big.Int).Set(price)
			receipt.TotalCost = new(big.Int).Mul(price, new(big.Int).SetUint64(receipt.GasUsed))
			receipt.TotalCostEth = WeiToEth(receipt.TotalCost)
		}
	}

	if err != nil {
		kind := riskerrors.KindOf(err)
		receipt.Error = &kind
		receipt.ErrorMessage = err.Error()
	} else {
		receipt.Success = true
	}

	errKind := ""
	if receipt.Error != nil {
		errKind = string(*receipt.Error)
	}
	w.metrics.ObserveWrite(receipt.Success, errKind, receipt.Retries)

	entry := w.logger.WithFields(logrus.Fields{
		"component":        "chain_writer",
		"contract_address": receipt.ContractAddress,
		"tx_hash":          receipt.TxHash,
		"retries":          receipt.Retries,
	})
	if receipt.Success {
		entry.WithField("gas_used", receipt.GasUsed).Info("风险结论已写入链上")
	} else {
		entry.WithField("error_kind", errKind).Warn("风险结论写入失败")
	}
	return receipt
}

// attempt 执行一次完整的 估算→构建→签名→提交→等待回执 流程
func (w *Writer) attempt(ctx context.Context, req WriteRequest, data []byte, logger *logrus.Entry) (*attemptOutcome, error) {
	from := req.Signer.Address()
	to := req.Registry.Address

	callCtx, cancel := w.callCtx(ctx)
	balance, err := w.backend.BalanceAt(callCtx, from, nil)
	cancel()
	if err != nil {
		return nil, riskerrors.ServiceUnavailable(err, "查询签名账户余额失败")
	}
	if balance.Sign() == 0 {
		return nil, riskerrors.InsufficientFunds(nil, "签名账户余额为零")
	}

	callCtx, cancel = w.callCtx(ctx)
	rawGas, err := w.backend.EstimateGas(callCtx, ethereum.CallMsg{From: from, To: &to, Data: data})
	cancel()
	if err != nil {
		return nil, ClassifyEstimateError(err)
	}

	gasLimit, err := w.gasLimit(ctx, rawGas)
	if err != nil {
		return nil, err
	}

	callCtx, cancel = w.callCtx(ctx)
	suggested, err := w.backend.SuggestGasPrice(callCtx)
	cancel()
	if err != nil {
		return nil, riskerrors.ServiceUnavailable(err, "获取gas价格失败")
	}
	gasPrice := mulBig(suggested, w.config.GasPriceMultiplier)

	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if cost.Cmp(balance) > 0 {
		return nil, riskerrors.InsufficientFunds(nil,
			fmt.Sprintf("预估费用 %s ETH 超过余额 %s ETH", WeiToEth(cost), WeiToEth(balance)))
	}

	callCtx, cancel = w.callCtx(ctx)
	nonce, err := w.backend.PendingNonceAt(callCtx, from)
	cancel()
	if err != nil {
		return nil, riskerrors.ServiceUnavailable(err, "获取nonce失败")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := req.Signer.SignTx(tx, w.config.ChainID)
	if err != nil {
		return nil, riskerrors.Unknown(err, "交易签名失败").WithRetryable(false)
	}

	out := &attemptOutcome{txHash: signed.Hash(), gasPrice: gasPrice}
	logger = logger.WithFields(logrus.Fields{
		"tx_hash":   out.txHash.Hex(),
		"nonce":     nonce,
		"gas_limit": gasLimit,
	})

	callCtx, cancel = w.callCtx(ctx)
	sendErr := w.backend.SendTransaction(callCtx, signed)
	cancel()
	// 提交之后不再受调用方取消影响，只受回执超时限制
	ctx = context.WithoutCancel(ctx)
	if sendErr != nil {
		if !w.acceptedAnyway(ctx, from, nonce, sendErr) {
			return nil, ClassifySubmitError(sendErr)
		}
		logger.WithError(sendErr).Warn("提交返回错误但交易已进入交易池，继续等待回执")
	}
	logger.Debug("交易已提交")

	receipt, err := w.awaitReceipt(ctx, out.txHash)
	if err != nil {
		// 交易可能仍会上链，重新提交会造成重复写入
		return out, riskerrors.Unknown(err, "等待交易回执超时").
			WithRetryable(false).
			WithContext("tx_hash", out.txHash.Hex())
	}
	out.receipt = receipt

	if receipt.Status != types.ReceiptStatusSuccessful {
		return out, riskerrors.ContractExecution(nil, "交易执行回滚").
			WithContext("tx_hash", out.txHash.Hex())
	}
	return out, nil
}

// gasLimit 估算值乘以安全系数，且不超过最新区块gas上限的一定比例
func (w *Writer) gasLimit(ctx context.Context, raw uint64) (uint64, error) {
	limit := uint64(float64(raw) * w.config.GasLimitMultiplier)

	callCtx, cancel := w.callCtx(ctx)
	defer cancel()
	header, err := w.backend.HeaderByNumber(callCtx, nil)
	if err != nil {
		return 0, riskerrors.ServiceUnavailable(err, "获取最新区块头失败")
	}
	capped := uint64(float64(header.GasLimit) * w.config.BlockGasCap)
	if capped > 0 && limit > capped {
		limit = capped
	}
	return limit, nil
}

// acceptedAnyway 提交报错时判断交易是否已被节点接收
func (w *Writer) acceptedAnyway(ctx context.Context, from common.Address, nonce uint64, sendErr error) bool {
	msg := strings.ToLower(sendErr.Error())
	if strings.Contains(msg, "already known") {
		return true
	}
	if strings.Contains(msg, "insufficient funds") {
		return false
	}
	callCtx, cancel := w.callCtx(ctx)
	defer cancel()
	pending, err := w.backend.PendingNonceAt(callCtx, from)
	return err == nil && pending > nonce
}

// awaitReceipt 轮询交易回执直到超时
func (w *Writer) awaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, w.config.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(w.config.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		callCtx, cancel := w.callCtx(waitCtx)
		receipt, err := w.backend.TransactionReceipt(callCtx, hash)
		cancel()
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !stderrors.Is(err, ethereum.NotFound) {
			w.logger.WithError(err).WithField("tx_hash", hash.Hex()).Debug("查询交易回执失败")
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("交易 %s 回执等待超时: %w", hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// BatchWrite 并行写入多个结论，同一签名者的请求由签名者锁串行化
func (w *Writer) BatchWrite(ctx context.Context, reqs []WriteRequest) []models.WriteReceipt {
	receipts := make([]models.WriteReceipt, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.BatchWorkers)
	for i, req := range reqs {
		g.Go(func() error {
			receipts[i] = w.WriteVerdict(gctx, req)
			return nil
		})
	}
	_ = g.Wait()

	return receipts
}

// HasVerdict 查询注册合约中是否存在记录
func (w *Writer) HasVerdict(ctx context.Context, registry *Registry, target common.Address) (bool, error) {
	data, err := registry.PackHas(target)
	if err != nil {
		return false, err
	}
	callCtx, cancel := w.callCtx(ctx)
	defer cancel()
	out, err := w.backend.CallContract(callCtx, ethereum.CallMsg{To: &registry.Address, Data: data}, nil)
	if err != nil {
		return false, riskerrors.ServiceUnavailable(err, "调用hasRiskScore失败")
	}
	return registry.UnpackHas(out)
}

// ReadVerdict 读取注册合约中的风险描述，不存在时返回ErrNotFound
func (w *Writer) ReadVerdict(ctx context.Context, registry *Registry, target common.Address) (string, error) {
	has, err := w.HasVerdict(ctx, registry, target)
	if err == nil && !has {
		return "", ErrNotFound
	}

	data, err := registry.PackGet(target)
	if err != nil {
		return "", err
	}
	callCtx, cancel := w.callCtx(ctx)
	defer cancel()
	out, err := w.backend.CallContract(callCtx, ethereum.CallMsg{To: &registry.Address, Data: data}, nil)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no risk score found") {
			return "", ErrNotFound
		}
		return "", riskerrors.ServiceUnavailable(err, "调用getRiskScore失败")
	}
	return registry.UnpackGet(out)
}

// ClassifyEstimateError gas估算错误分类
func ClassifyEstimateError(err error) *riskerrors.RiskError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return riskerrors.InsufficientFunds(err, "gas估算时余额不足")
	case strings.Contains(msg, "execution reverted"):
		return riskerrors.ContractExecution(err, "gas估算时合约执行回滚")
	default:
		return riskerrors.GasEstimation(err, "gas估算失败")
	}
}

// ClassifySubmitError 交易提交错误分类，未知错误按失败处理
func ClassifySubmitError(err error) *riskerrors.RiskError {
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return riskerrors.InsufficientFunds(err, "提交交易时余额不足")
	}
	return riskerrors.Unknown(err, "提交交易失败")
}

// WeiToEth wei转换为ETH十进制字符串
func WeiToEth(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

// mulBig 大整数乘以系数，向下取整
func mulBig(x *big.Int, factor float64) *big.Int {
	f := new(big.Float).SetInt(x)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}
