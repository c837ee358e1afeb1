package connection

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scathat/internal/config"
	riskerrors "scathat/internal/errors"
	"scathat/pkg/models"
)

type fakeClient struct {
	name string

	mu      sync.Mutex
	err     error // 所有调用返回的错误
	chainID error
	calls   int
	closed  bool

	probing chan struct{} // ChainID开始时关闭
	release chan struct{} // ChainID阻塞直到关闭
}

func (f *fakeClient) result() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeClient) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	probing, release := f.probing, f.release
	f.probing = nil
	f.mu.Unlock()
	if release != nil {
		close(probing)
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chainID != nil {
		return nil, f.chainID
	}
	return big.NewInt(1), nil
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeClient) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	if err := f.result(); err != nil {
		return nil, err
	}
	return []byte(f.name), nil
}

func (f *fakeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, f.result()
}

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, f.result()
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), f.result()
}

func (f *fakeClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1), f.result()
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, f.result()
}

func (f *fakeClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{}, f.result()
}

func (f *fakeClient) SendTransaction(context.Context, *types.Transaction) error {
	return f.result()
}

func (f *fakeClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if err := f.result(); err != nil {
		return nil, err
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func newTestPool(t *testing.T, clients map[string]*fakeClient, nodes ...*config.NodeConfig) *ConnectionPool {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	dial := func(ctx context.Context, url string) (Client, error) {
		c, ok := clients[url]
		if !ok {
			return nil, errors.New("dial tcp: connection refused")
		}
		return c, nil
	}
	return NewConnectionPool(nodes, dial, logger)
}

func TestConnectionPool_PriorityOrder(t *testing.T) {
	primary := &fakeClient{name: "primary"}
	backup := &fakeClient{name: "backup"}
	pool := newTestPool(t, map[string]*fakeClient{"a": primary, "b": backup},
		&config.NodeConfig{Name: "backup", URL: "b", Priority: 2},
		&config.NodeConfig{Name: "primary", URL: "a", Priority: 1},
	)
	require.NoError(t, pool.Initialize(context.Background()))

	code, err := pool.CodeAt(context.Background(), common.Address{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", string(code))
	assert.Zero(t, backup.calls)
}

func TestConnectionPool_FailoverOnNetworkError(t *testing.T) {
	primary := &fakeClient{name: "primary", err: errors.New("dial tcp 10.0.0.1:8545: connection refused")}
	backup := &fakeClient{name: "backup"}
	pool := newTestPool(t, map[string]*fakeClient{"a": primary, "b": backup},
		&config.NodeConfig{Name: "primary", URL: "a", Priority: 1},
		&config.NodeConfig{Name: "backup", URL: "b", Priority: 2},
	)
	require.NoError(t, pool.Initialize(context.Background()))

	code, err := pool.CodeAt(context.Background(), common.Address{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "backup", string(code))

	stats := pool.GetStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "primary", stats[0].Name)
	assert.False(t, stats[0].Healthy)
	assert.Equal(t, 1, stats[0].Failures)
	assert.True(t, stats[1].Healthy)

	// 不健康的节点不再被调用
	_, err = pool.CodeAt(context.Background(), common.Address{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)

	// 健康检查后恢复
	primary.setErr(nil)
	pool.CheckHealth(context.Background())
	code, err = pool.CodeAt(context.Background(), common.Address{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", string(code))
}

func TestConnectionPool_NonNetworkErrorNotFailedOver(t *testing.T) {
	primary := &fakeClient{name: "primary", err: ethereum.NotFound}
	backup := &fakeClient{name: "backup"}
	pool := newTestPool(t, map[string]*fakeClient{"a": primary, "b": backup},
		&config.NodeConfig{Name: "primary", URL: "a", Priority: 1},
		&config.NodeConfig{Name: "backup", URL: "b", Priority: 2},
	)
	require.NoError(t, pool.Initialize(context.Background()))

	_, err := pool.TransactionReceipt(context.Background(), common.Hash{})
	assert.ErrorIs(t, err, ethereum.NotFound)
	assert.Zero(t, backup.calls)
	assert.True(t, pool.GetStats()[0].Healthy)
}

func TestConnectionPool_AllNodesFail(t *testing.T) {
	primary := &fakeClient{name: "primary", err: errors.New("i/o timeout")}
	pool := newTestPool(t, map[string]*fakeClient{"a": primary},
		&config.NodeConfig{Name: "primary", URL: "a", Priority: 1},
	)
	require.NoError(t, pool.Initialize(context.Background()))

	err := pool.SendTransaction(context.Background(), types.NewTx(&types.LegacyTx{}))
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindServiceUnavailable, riskerrors.KindOf(err))
	assert.False(t, pool.Healthy())

	_, err = pool.BalanceAt(context.Background(), common.Address{}, nil)
	assert.Equal(t, models.ErrorKindServiceUnavailable, riskerrors.KindOf(err))
}

func TestConnectionPool_InitializeFailures(t *testing.T) {
	bad := &fakeClient{name: "bad", chainID: errors.New("connection reset")}
	pool := newTestPool(t, map[string]*fakeClient{"bad": bad},
		&config.NodeConfig{Name: "missing", URL: "nowhere", Priority: 1},
		&config.NodeConfig{Name: "bad", URL: "bad", Priority: 2},
	)
	err := pool.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, bad.closed)
	assert.False(t, pool.Healthy())
}

func TestConnectionPool_Close(t *testing.T) {
	c := &fakeClient{name: "primary"}
	pool := newTestPool(t, map[string]*fakeClient{"a": c},
		&config.NodeConfig{Name: "primary", URL: "a", Priority: 1},
	)
	require.NoError(t, pool.Initialize(context.Background()))
	require.NoError(t, pool.Close())
	assert.True(t, c.closed)
	assert.False(t, pool.Healthy())
}

func TestConnectionPool_CallsDuringHealthCheck(t *testing.T) {
	primary := &fakeClient{name: "primary"}
	pool := newTestPool(t, map[string]*fakeClient{"a": primary},
		&config.NodeConfig{Name: "primary", URL: "a", Priority: 1},
	)
	require.NoError(t, pool.Initialize(context.Background()))

	probing := make(chan struct{})
	release := make(chan struct{})
	primary.mu.Lock()
	primary.probing, primary.release = probing, release
	primary.mu.Unlock()

	checked := make(chan struct{})
	go func() {
		pool.CheckHealth(context.Background())
		close(checked)
	}()
	<-probing

	// 探测阻塞期间调用和统计不受影响
	done := make(chan error, 1)
	go func() {
		_, err := pool.CodeAt(context.Background(), common.Address{}, nil)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("健康检查期间调用被阻塞")
	}
	assert.True(t, pool.GetStats()[0].Healthy)

	close(release)
	<-checked
	assert.True(t, pool.Healthy())
}
