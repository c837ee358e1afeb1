package connection

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"scathat/internal/chain"
	"scathat/internal/config"
	riskerrors "scathat/internal/errors"
	"scathat/internal/logging"
	"scathat/internal/retry"
)

// Client 单个节点的客户端，*ethclient.Client满足该接口
type Client interface {
	chain.Backend
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Dialer 建立节点连接
type Dialer func(ctx context.Context, url string) (Client, error)

// DialEthclient 使用ethclient建立连接
func DialEthclient(ctx context.Context, url string) (Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// nodeConn 单个节点的连接状态
type nodeConn struct {
	config    *config.NodeConfig
	client    Client
	healthy   bool
	lastCheck time.Time
	failures  int
}

// ConnectionPool 按优先级故障转移的节点连接池
type ConnectionPool struct {
	nodes       []*nodeConn
	dial        Dialer
	logger      *logrus.Logger
	mu          sync.RWMutex
	checkMu     sync.Mutex
	healthCheck time.Duration
	dialTimeout time.Duration
}

var _ chain.Backend = (*ConnectionPool)(nil)

// NewConnectionPool 创建连接池，priority越小越优先
func NewConnectionPool(nodes []*config.NodeConfig, dial Dialer, logger *logrus.Logger) *ConnectionPool {
	if dial == nil {
		dial = DialEthclient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	sorted := make([]*config.NodeConfig, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	conns := make([]*nodeConn, 0, len(sorted))
	for _, n := range sorted {
		conns = append(conns, &nodeConn{config: n})
	}

	return &ConnectionPool{
		nodes:       conns,
		dial:        dial,
		logger:      logger,
		healthCheck: 30 * time.Second,
		dialTimeout: 10 * time.Second,
	}
}

// SetHealthCheckInterval 设置健康检查间隔
func (cp *ConnectionPool) SetHealthCheckInterval(d time.Duration) {
	if d > 0 {
		cp.healthCheck = d
	}
}

// Initialize 连接所有节点，至少一个成功即可
func (cp *ConnectionPool) Initialize(ctx context.Context) error {
	healthy := 0
	for _, n := range cp.nodes {
		client, err := cp.dialNode(ctx, n.config)
		cp.setClient(n, client, err)
		if err != nil {
			cp.logger.Warnf("初始化节点 %s 连接失败: %v", n.config.Name, err)
			continue
		}
		healthy++
		cp.logger.Infof("节点 %s 连接已初始化", n.config.Name)
	}

	if healthy == 0 {
		return riskerrors.ServiceUnavailable(nil, "没有可用的节点连接").WithComponent("connection")
	}
	return nil
}

// dialNode 建立连接并测试，不持有锁
func (cp *ConnectionPool) dialNode(ctx context.Context, node *config.NodeConfig) (Client, error) {
	dctx, cancel := context.WithTimeout(ctx, cp.dialTimeout)
	defer cancel()

	client, err := cp.dial(dctx, node.URL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}

	// 测试连接
	if _, err := client.ChainID(dctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("测试连接失败: %w", err)
	}
	return client, nil
}

// setClient 记录一次连接结果，替换旧连接
func (cp *ConnectionPool) setClient(n *nodeConn, client Client, err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	n.lastCheck = time.Now()
	if err != nil {
		n.healthy = false
		return
	}
	if n.client != nil && n.client != client {
		n.client.Close()
	}
	n.client = client
	n.healthy = true
	n.failures = 0
}

// Start 启动后台健康检查，ctx取消后退出
func (cp *ConnectionPool) Start(ctx context.Context) {
	go cp.healthChecker(ctx)
}

// healthChecker 健康检查器
func (cp *ConnectionPool) healthChecker(ctx context.Context) {
	ticker := time.NewTicker(cp.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp.CheckHealth(ctx)
		}
	}
}

// CheckHealth 检查所有节点，不健康的节点尝试重连；探测期间不持有锁
func (cp *ConnectionPool) CheckHealth(ctx context.Context) {
	cp.checkMu.Lock()
	defer cp.checkMu.Unlock()

	for _, c := range cp.snapshot(false) {
		if c.client != nil && c.healthy {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := c.client.ChainID(cctx)
			cancel()
			if err == nil {
				cp.touch(c.node)
				cp.logger.Debugf("节点 %s 健康检查通过", c.node.config.Name)
				continue
			}
			cp.markUnhealthy(c.node)
			cp.logger.Warnf("节点 %s 健康检查失败: %v", c.node.config.Name, err)
		}

		client, err := cp.dialNode(ctx, c.node.config)
		cp.setClient(c.node, client, err)
		if err != nil {
			cp.logger.Debugf("节点 %s 重连失败: %v", c.node.config.Name, err)
		} else {
			cp.logger.Infof("节点 %s 已恢复", c.node.config.Name)
		}
	}
}

// candidate 节点及其当前客户端的快照
type candidate struct {
	node    *nodeConn
	client  Client
	healthy bool
}

// snapshot 按优先级复制节点状态，healthyOnly时只返回健康节点
func (cp *ConnectionPool) snapshot(healthyOnly bool) []candidate {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	out := make([]candidate, 0, len(cp.nodes))
	for _, n := range cp.nodes {
		if healthyOnly && !(n.healthy && n.client != nil) {
			continue
		}
		out = append(out, candidate{node: n, client: n.client, healthy: n.healthy})
	}
	return out
}

// candidates 按优先级返回健康节点
func (cp *ConnectionPool) candidates() []candidate {
	return cp.snapshot(true)
}

func (cp *ConnectionPool) touch(n *nodeConn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	n.lastCheck = time.Now()
}

func (cp *ConnectionPool) markUnhealthy(n *nodeConn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	n.lastCheck = time.Now()
	n.healthy = false
}

func (cp *ConnectionPool) markFailed(n *nodeConn, err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	n.failures++
	n.healthy = false
	cp.logger.Warnf("节点 %s 调用失败，切换到下一个节点: %v", n.config.Name, err)
}

// do 在健康节点上执行调用，网络类错误切换到下一个节点，其他错误直接返回
func (cp *ConnectionPool) do(ctx context.Context, method string, fn func(Client) error) error {
	nodes := cp.candidates()
	if len(nodes) == 0 {
		return riskerrors.ServiceUnavailable(nil, "没有可用的健康节点").WithComponent("connection")
	}

	var lastErr error
	for _, c := range nodes {
		n := c.node
		err := fn(c.client)
		if err == nil {
			return nil
		}
		if !retry.IsRetryableError(err) || ctx.Err() != nil {
			return err
		}
		logging.NewRPCLogger(cp.logger, method, n.config.Name).WithError(err).Debug("RPC调用失败")
		cp.markFailed(n, err)
		lastErr = err
	}
	return riskerrors.ServiceUnavailable(lastErr, "所有节点都无法完成调用: "+method).WithComponent("connection")
}

// CodeAt 实现chain.Backend
func (cp *ConnectionPool) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := cp.do(ctx, "eth_getCode", func(c Client) (err error) {
		out, err = c.CodeAt(ctx, account, blockNumber)
		return err
	})
	return out, err
}

// CallContract 实现chain.Backend
func (cp *ConnectionPool) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := cp.do(ctx, "eth_call", func(c Client) (err error) {
		out, err = c.CallContract(ctx, call, blockNumber)
		return err
	})
	return out, err
}

// EstimateGas 实现chain.Backend
func (cp *ConnectionPool) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := cp.do(ctx, "eth_estimateGas", func(c Client) (err error) {
		out, err = c.EstimateGas(ctx, call)
		return err
	})
	return out, err
}

// SuggestGasPrice 实现chain.Backend
func (cp *ConnectionPool) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := cp.do(ctx, "eth_gasPrice", func(c Client) (err error) {
		out, err = c.SuggestGasPrice(ctx)
		return err
	})
	return out, err
}

// BalanceAt 实现chain.Backend
func (cp *ConnectionPool) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var out *big.Int
	err := cp.do(ctx, "eth_getBalance", func(c Client) (err error) {
		out, err = c.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return out, err
}

// PendingNonceAt 实现chain.Backend
func (cp *ConnectionPool) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out uint64
	err := cp.do(ctx, "eth_getTransactionCount", func(c Client) (err error) {
		out, err = c.PendingNonceAt(ctx, account)
		return err
	})
	return out, err
}

// HeaderByNumber 实现chain.Backend
func (cp *ConnectionPool) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var out *types.Header
	err := cp.do(ctx, "eth_getBlockByNumber", func(c Client) (err error) {
		out, err = c.HeaderByNumber(ctx, number)
		return err
	})
	return out, err
}

// SendTransaction 实现chain.Backend
func (cp *ConnectionPool) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return cp.do(ctx, "eth_sendRawTransaction", func(c Client) error {
		return c.SendTransaction(ctx, tx)
	})
}

// TransactionReceipt 实现chain.Backend
func (cp *ConnectionPool) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	err := cp.do(ctx, "eth_getTransactionReceipt", func(c Client) (err error) {
		out, err = c.TransactionReceipt(ctx, txHash)
		return err
	})
	return out, err
}

// NodeStats 单个节点的状态
type NodeStats struct {
	Name      string    `json:"name"`
	Priority  int       `json:"priority"`
	Healthy   bool      `json:"is_healthy"`
	Failures  int       `json:"failures"`
	LastCheck time.Time `json:"last_check"`
}

// GetStats 获取连接池统计信息
func (cp *ConnectionPool) GetStats() []NodeStats {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	stats := make([]NodeStats, 0, len(cp.nodes))
	for _, n := range cp.nodes {
		stats = append(stats, NodeStats{
			Name:      n.config.Name,
			Priority:  n.config.Priority,
			Healthy:   n.healthy,
			Failures:  n.failures,
			LastCheck: n.lastCheck,
		})
	}
	return stats
}

// Healthy 是否至少有一个健康节点
func (cp *ConnectionPool) Healthy() bool {
	return len(cp.candidates()) > 0
}

// Close 关闭连接池
func (cp *ConnectionPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, n := range cp.nodes {
		if n.client != nil {
			n.client.Close()
			n.client = nil
		}
		n.healthy = false
	}

	cp.logger.Info("连接池已关闭")
	return nil
}
