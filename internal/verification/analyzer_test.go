package verification

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scathat/internal/metrics"
	"scathat/pkg/models"
)

const (
	addrA = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	addrB = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	addrC = "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
)

// fakeReader 内存中的合约代码
type fakeReader struct {
	mu    sync.Mutex
	code  map[common.Address][]byte
	errs  map[common.Address]error
	delay time.Duration
	calls int
}

func (f *fakeReader) CodeAt(ctx context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.errs[account]; err != nil {
		return nil, err
	}
	return f.code[account], nil
}

func newTestAnalyzer(reader CodeReader, cfg Config) *Analyzer {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewAnalyzer(reader, cfg, logger, metrics.New())
}

func plainCode(n int) []byte {
	return bytes.Repeat([]byte{0x60}, n)
}

func TestVerifyDeployment_InvalidAddress(t *testing.T) {
	reader := &fakeReader{}
	a := newTestAnalyzer(reader, Config{})

	result := a.VerifyDeployment(context.Background(), "0x1234", nil)

	assert.Equal(t, models.StatusError, result.Status)
	assert.Equal(t, 0, reader.calls)
}

func TestVerifyDeployment_NoCode(t *testing.T) {
	a := newTestAnalyzer(&fakeReader{}, Config{})

	result := a.VerifyDeployment(context.Background(), addrA, nil)

	assert.Equal(t, models.StatusError, result.Status)
	assert.Equal(t, "no contract code at address", result.Message)
}

func TestVerifyDeployment_RPCFailure(t *testing.T) {
	reader := &fakeReader{errs: map[common.Address]error{
		common.HexToAddress(addrA): errors.New("connection refused"),
	}}
	a := newTestAnalyzer(reader, Config{})

	result := a.VerifyDeployment(context.Background(), addrA, nil)

	assert.Equal(t, models.StatusError, result.Status)
	assert.Contains(t, result.Message, "connection refused")
}

func TestVerifyDeployment_Timeout(t *testing.T) {
	reader := &fakeReader{
		code:  map[common.Address][]byte{common.HexToAddress(addrA): plainCode(10)},
		delay: time.Second,
	}
	a := newTestAnalyzer(reader, Config{Timeout: 20 * time.Millisecond})

	result := a.VerifyDeployment(context.Background(), addrA, nil)

	assert.Equal(t, models.StatusError, result.Status)
	assert.Contains(t, result.Message, "deadline")
}

func TestVerifyDeployment_VerifiedWithoutExpected(t *testing.T) {
	reader := &fakeReader{code: map[common.Address][]byte{
		common.HexToAddress(addrA): plainCode(600),
	}}
	a := newTestAnalyzer(reader, Config{})

	result := a.VerifyDeployment(context.Background(), "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", nil)

	assert.Equal(t, models.StatusVerified, result.Status)
	assert.Equal(t, addrA, result.Address)
	assert.Nil(t, result.BytecodeMatch)
	assert.Equal(t, 600, result.BytecodeLength)
	assert.Equal(t, 0, result.RiskScore)
	assert.Equal(t, models.ComplexityMedium, result.Gas.Complexity)
}

func TestVerifyDeployment_MetadataSuffixIgnored(t *testing.T) {
	body := plainCode(200)
	actual := append(append([]byte{}, body...), bytes.Repeat([]byte{0xa1}, 65)...)
	expected := append(append([]byte{}, body...), bytes.Repeat([]byte{0xb2}, 65)...)

	reader := &fakeReader{code: map[common.Address][]byte{common.HexToAddress(addrA): actual}}
	a := newTestAnalyzer(reader, Config{})

	result := a.VerifyDeployment(context.Background(), addrA, expected)

	require.NotNil(t, result.BytecodeMatch)
	assert.True(t, *result.BytecodeMatch)
	assert.Equal(t, models.StatusVerified, result.Status)
}

func TestVerifyDeployment_MismatchOnlyPreventsVerified(t *testing.T) {
	reader := &fakeReader{code: map[common.Address][]byte{common.HexToAddress(addrA): plainCode(100)}}
	a := newTestAnalyzer(reader, Config{})

	result := a.VerifyDeployment(context.Background(), addrA, plainCode(99))

	require.NotNil(t, result.BytecodeMatch)
	assert.False(t, *result.BytecodeMatch)
	assert.Equal(t, models.StatusUnverified, result.Status)
	assert.Equal(t, 0, result.RiskScore)
}

func TestVerifyDeployment_HiddenWatermark(t *testing.T) {
	code := append(plainCode(4), 0xde, 0xad, 0xbe, 0xef)
	reader := &fakeReader{code: map[common.Address][]byte{common.HexToAddress(addrA): code}}
	a := newTestAnalyzer(reader, Config{})

	result := a.VerifyDeployment(context.Background(), addrA, nil)

	assert.Equal(t, 1, result.Warnings)
	assert.Equal(t, 5, result.RiskScore)
	assert.Equal(t, models.StatusVerified, result.Status)
	require.Len(t, result.SecurityFindings, 1)
	assert.Equal(t, models.CategoryHiddenFunctionality, result.SecurityFindings[0].Category)
}

func TestScan_Counts(t *testing.T) {
	sec := scan("00selfdestruct00delegatecall00call11value00assembly00cafebabe")

	assert.Equal(t, 4, sec.malicious)
	assert.Equal(t, 1, sec.critical)
	assert.Equal(t, 1, sec.warnings)
	assert.Equal(t, 100, sec.riskScore())
	assert.Len(t, sec.findings, 6)

	transfer := scan("transfer00call")
	assert.Equal(t, 0, transfer.malicious)
	assert.Equal(t, 1, transfer.critical)
	assert.Equal(t, 40, transfer.riskScore())
}

func TestDeriveStatus(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name  string
		match *bool
		sec   securityScan
		want  models.VerificationStatus
	}{
		{"no expected", nil, securityScan{}, models.StatusVerified},
		{"match", &yes, securityScan{}, models.StatusVerified},
		{"mismatch", &no, securityScan{}, models.StatusUnverified},
		{"mismatch with warnings", &no, securityScan{warnings: 2}, models.StatusUnverified},
		{"indicator", &yes, securityScan{malicious: 1}, models.StatusSuspicious},
		{"critical", nil, securityScan{malicious: 1, critical: 1}, models.StatusMalicious},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveStatus(tt.match, tt.sec))
		})
	}
}

func TestBatchVerify_IsolatesFailures(t *testing.T) {
	reader := &fakeReader{
		code: map[common.Address][]byte{
			common.HexToAddress(addrA): plainCode(10),
			common.HexToAddress(addrC): plainCode(3000),
		},
		errs: map[common.Address]error{
			common.HexToAddress(addrB): errors.New("node not ready"),
		},
	}
	a := newTestAnalyzer(reader, Config{BatchWorkers: 2})

	results := a.BatchVerify(context.Background(), []Target{
		{Address: addrA},
		{Address: "bogus"},
		{Address: addrB},
		{Address: addrC},
	})

	require.Len(t, results, 4)
	assert.Equal(t, models.StatusVerified, results[0].Status)
	assert.Equal(t, addrA, results[0].Address)
	assert.Equal(t, models.StatusError, results[1].Status)
	assert.Equal(t, "bogus", results[1].Address)
	assert.Equal(t, models.StatusError, results[2].Status)
	assert.Equal(t, models.StatusVerified, results[3].Status)
	assert.Equal(t, models.ComplexityHigh, results[3].Gas.Complexity)
}

func TestEstimateGasComplexity(t *testing.T) {
	tests := []struct {
		size       int
		complexity models.Complexity
		savings    int
		available  bool
		recs       int
	}{
		{0, models.ComplexityLow, 0, false, 0},
		{499, models.ComplexityLow, 4, false, 0},
		{500, models.ComplexityMedium, 5, false, 0},
		{1500, models.ComplexityMedium, 15, true, 1},
		{2000, models.ComplexityHigh, 15, true, 1},
		{24576, models.ComplexityHigh, 15, true, 2},
	}

	for _, tt := range tests {
		hint := EstimateGasComplexity(tt.size)
		assert.Equal(t, tt.complexity, hint.Complexity, "size %d", tt.size)
		assert.Equal(t, tt.savings, hint.EstimatedSavingsPercent, "size %d", tt.size)
		assert.Equal(t, tt.available, hint.OptimizationAvailable, "size %d", tt.size)
		assert.Len(t, hint.Recommendations, tt.recs, "size %d", tt.size)
	}
}

func TestBytecodeMatches_ShortCode(t *testing.T) {
	assert.True(t, BytecodeMatches([]byte{1, 2, 3}, []byte{1, 2, 3}))
	assert.False(t, BytecodeMatches([]byte{1, 2, 3}, []byte{1, 2, 4}))
}

func TestBytecodeMatches_SuffixLengthCode(t *testing.T) {
	a := bytes.Repeat([]byte{0x11}, metadataSuffixLen)
	b := bytes.Repeat([]byte{0x22}, metadataSuffixLen)

	assert.False(t, BytecodeMatches(a, b))
	assert.True(t, BytecodeMatches(a, bytes.Repeat([]byte{0x11}, metadataSuffixLen)))

	// 长度超过后缀时只比较去除元数据后的部分
	longA := append(bytes.Repeat([]byte{0x33}, 4), a...)
	longB := append(bytes.Repeat([]byte{0x33}, 4), b...)
	assert.True(t, BytecodeMatches(longA, longB))
}
