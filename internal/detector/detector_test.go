package detector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	riskerrors "scathat/internal/errors"
	"scathat/internal/metrics"
	"scathat/internal/retry"
	"scathat/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type modelServer struct {
	*httptest.Server
	calls   atomic.Int32
	failFor int32
	status  int

	mu      sync.Mutex
	lastReq map[string]string
}

func (ms *modelServer) last() map[string]string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastReq
}

func newModelServer(t *testing.T, response string) *modelServer {
	t.Helper()
	ms := &modelServer{status: http.StatusServiceUnavailable}
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		case "/analyze":
			n := ms.calls.Add(1)
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			ms.mu.Lock()
			ms.lastReq = body
			ms.mu.Unlock()
			if n <= ms.failFor {
				w.WriteHeader(ms.status)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(response))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ms.Close)
	return ms
}

func newDetector(t *testing.T, source models.Source, url string, cache bool) *HTTPDetector {
	t.Helper()
	d, err := NewHTTPDetector(source, Config{
		BaseURL:       url,
		Timeout:       2 * time.Second,
		RetryAttempts: 3,
		EnableCache:   cache,
		CacheSize:     4,
	}, quietLogger())
	require.NoError(t, err)
	d.retrier = retry.NewRetrier(retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond}, quietLogger())
	return d
}

func TestNewHTTPDetector_Validation(t *testing.T) {
	_, err := NewHTTPDetector("unknown", Config{BaseURL: "http://x"}, nil)
	assert.Error(t, err)

	_, err = NewHTTPDetector(models.SourceBytecode, Config{}, nil)
	assert.Error(t, err)
}

func TestHTTPDetector_Bytecode(t *testing.T) {
	ms := newModelServer(t, `{"risk_score":85,"confidence":0.9,"detected_patterns":["reentrancy_guard_missing","SELFDESTRUCT"]}`)
	d := newDetector(t, models.SourceBytecode, ms.URL, false)

	r, err := d.Analyze(context.Background(), Request{Bytecode: "0x6080", ContractAddress: "0xabc"})
	require.NoError(t, err)

	assert.Equal(t, models.SourceBytecode, r.Source)
	assert.InDelta(t, 0.85, r.RiskScore, 1e-9)
	assert.InDelta(t, 0.9, r.Confidence, 1e-9)
	assert.False(t, r.Degraded)
	require.Len(t, r.Findings, 2)
	assert.Equal(t, models.CategoryReentrancy, r.Findings[0].Category)
	assert.Equal(t, models.CategorySelfDestruct, r.Findings[1].Category)
	assert.Equal(t, map[string]string{"bytecode": "0x6080", "contract_address": "0xabc"}, ms.last())
}

func TestHTTPDetector_CodeAnalyzer(t *testing.T) {
	ms := newModelServer(t, `{"risk_score":0.4,"vulnerabilities":[{"type":"tx_origin_auth","severity":"HIGH","description":"uses tx.origin"},{"name":""}]}`)
	d := newDetector(t, models.SourceCodeAnalyzer, ms.URL, false)

	r, err := d.Analyze(context.Background(), Request{SourceCode: "contract A {}", ContractName: "A"})
	require.NoError(t, err)

	assert.InDelta(t, 0.4, r.RiskScore, 1e-9)
	assert.InDelta(t, defaultConfidence, r.Confidence, 1e-9)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, models.Finding{
		PatternID:   "tx_origin_auth",
		Category:    models.CategoryAccessControl,
		Severity:    models.SeverityHigh,
		Description: "uses tx.origin",
	}, r.Findings[0])
	assert.Equal(t, "contract A {}", ms.last()["solidity_code"])
}

func TestHTTPDetector_CodeAnalyzerNeedsSource(t *testing.T) {
	ms := newModelServer(t, `{}`)
	d := newDetector(t, models.SourceCodeAnalyzer, ms.URL, false)

	_, err := d.Analyze(context.Background(), Request{Bytecode: "0x6080"})
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindInvalidInput, riskerrors.KindOf(err))
	assert.Zero(t, ms.calls.Load())
}

func TestHTTPDetector_Behavior(t *testing.T) {
	ms := newModelServer(t, `{"risk_score":0.1,"behavior_score":0.6,"anomaly_score":0.8,"detected_patterns":["burst"]}`)
	d := newDetector(t, models.SourceBehavior, ms.URL, false)

	r, err := d.Analyze(context.Background(), Request{ContractAddress: "0xabc"})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, r.RiskScore, 1e-9)
	assert.InDelta(t, 0.8, r.Confidence, 1e-9)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, models.CategoryBehavioral, r.Findings[0].Category)
}

func TestHTTPDetector_RetriesServerErrors(t *testing.T) {
	ms := newModelServer(t, `{"risk_score":0.5,"confidence":0.5}`)
	ms.failFor = 2
	d := newDetector(t, models.SourceBytecode, ms.URL, false)

	r, err := d.Analyze(context.Background(), Request{Bytecode: "0x00"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, r.RiskScore, 1e-9)
	assert.Equal(t, int32(3), ms.calls.Load())
}

func TestHTTPDetector_ClientErrorNotRetried(t *testing.T) {
	ms := newModelServer(t, `{}`)
	ms.failFor = 10
	ms.status = http.StatusBadRequest
	d := newDetector(t, models.SourceBytecode, ms.URL, false)

	_, err := d.Analyze(context.Background(), Request{Bytecode: "0x00"})
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindServiceUnavailable, riskerrors.KindOf(err))
	assert.Equal(t, int32(1), ms.calls.Load())
}

func TestHTTPDetector_Cache(t *testing.T) {
	ms := newModelServer(t, `{"risk_score":0.3,"confidence":0.6}`)
	d := newDetector(t, models.SourceBytecode, ms.URL, true)
	ctx := context.Background()

	_, err := d.Analyze(ctx, Request{Bytecode: "0x01"})
	require.NoError(t, err)
	_, err = d.Analyze(ctx, Request{Bytecode: "0x01"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), ms.calls.Load())
	assert.Equal(t, 1, d.GetCacheSize())

	for _, code := range []string{"0x02", "0x03", "0x04", "0x05"} {
		_, err := d.Analyze(ctx, Request{Bytecode: code})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, d.GetCacheSize(), 4)

	d.ClearCache()
	assert.Zero(t, d.GetCacheSize())
}

func TestHTTPDetector_Health(t *testing.T) {
	ms := newModelServer(t, `{}`)
	d := newDetector(t, models.SourceBytecode, ms.URL, false)
	assert.NoError(t, d.Health(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer down.Close()
	d = newDetector(t, models.SourceBytecode, down.URL, false)
	assert.Error(t, d.Health(context.Background()))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 0.5, normalize(0.5))
	assert.Equal(t, 1.0, normalize(1.0))
	assert.InDelta(t, 0.42, normalize(42), 1e-9)
}

type fakeDetector struct {
	source  models.Source
	reading models.DetectorReading
	err     error
	delay   time.Duration
}

func (f *fakeDetector) Source() models.Source { return f.source }

func (f *fakeDetector) Analyze(ctx context.Context, _ Request) (models.DetectorReading, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return models.DetectorReading{}, ctx.Err()
		}
	}
	return f.reading, f.err
}

func TestCollector_Collect(t *testing.T) {
	m := metrics.New()
	c := NewCollector([]Detector{
		&fakeDetector{source: models.SourceBytecode, reading: models.DetectorReading{RiskScore: 0.9, Confidence: 0.8}},
		&fakeDetector{source: models.SourceCodeAnalyzer, err: errors.New("boom")},
		&fakeDetector{source: models.SourceBehavior, delay: time.Second},
	}, 20*time.Millisecond, quietLogger(), m)

	r := c.Collect(context.Background(), Request{})

	require.NotNil(t, r.Bytecode)
	assert.Equal(t, 0.9, r.Bytecode.RiskScore)
	assert.Equal(t, models.SourceBytecode, r.Bytecode.Source)
	assert.False(t, r.Bytecode.Degraded)

	require.NotNil(t, r.Code)
	assert.Equal(t, models.FallbackReading(models.SourceCodeAnalyzer), *r.Code)

	require.NotNil(t, r.Behavior)
	assert.True(t, r.Behavior.Degraded)
	assert.Equal(t, models.FallbackConfidence, r.Behavior.Confidence)
}

func TestCollector_UnconfiguredSourcesNil(t *testing.T) {
	c := NewCollector([]Detector{
		&fakeDetector{source: models.SourceBytecode, reading: models.DetectorReading{RiskScore: 0.2, Confidence: 0.5}},
	}, time.Second, quietLogger(), nil)

	r := c.Collect(context.Background(), Request{})
	assert.NotNil(t, r.Bytecode)
	assert.Nil(t, r.Code)
	assert.Nil(t, r.Behavior)
}
