package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scathat/internal/assessment"
	"scathat/internal/chain"
	"scathat/internal/connection"
	"scathat/internal/metrics"
	"scathat/internal/verification"
	"scathat/pkg/models"
)

const testAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type stubVerifier struct {
	status models.VerificationStatus
}

func (v stubVerifier) VerifyDeployment(ctx context.Context, address string, expected []byte) models.VerificationResult {
	return models.VerificationResult{Address: address, Status: v.status, BytecodeLength: 2}
}

func (v stubVerifier) BatchVerify(ctx context.Context, targets []verification.Target) []models.VerificationResult {
	out := make([]models.VerificationResult, len(targets))
	for i, t := range targets {
		out[i] = v.VerifyDeployment(ctx, t.Address, t.ExpectedBytecode)
	}
	return out
}

type stubWriter struct {
	scores map[common.Address]string
}

func (w *stubWriter) WriteVerdict(ctx context.Context, req chain.WriteRequest) models.WriteReceipt {
	return models.WriteReceipt{
		ID:              "r1",
		ContractAddress: req.Target.Hex(),
		Success:         true,
		TxHash:          "0xfeed",
		GasPrice:        big.NewInt(1),
		TotalCost:       big.NewInt(1),
		TotalCostEth:    "0",
		CreatedAt:       time.Now().UTC(),
	}
}

func (w *stubWriter) ReadVerdict(ctx context.Context, registry *chain.Registry, target common.Address) (string, error) {
	if s, ok := w.scores[target]; ok {
		return s, nil
	}
	return "", chain.ErrNotFound
}

type stubNodes struct{}

func (stubNodes) GetStats() []connection.NodeStats {
	return []connection.NodeStats{{Name: "primary", Priority: 1, Healthy: true}}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, deps assessment.Dependencies) *Server {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	svc, err := assessment.NewService(deps)
	require.NoError(t, err)
	return NewServer(svc, deps.Logger, Options{Mode: gin.TestMode, Metrics: metrics.New(), Nodes: stubNodes{}})
}

func withWriteback(t *testing.T, deps assessment.Dependencies) assessment.Dependencies {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	registry, err := chain.NewRegistry(common.HexToAddress("0x00000000000000000000000000000000000000aa"), "")
	require.NoError(t, err)
	deps.Signer = chain.NewSignerFromKey(key)
	deps.Registry = registry
	return deps
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, assessment.Dependencies{})

	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["writeback"])

	w = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "scathat_http_requests_total")
}

func TestFuse(t *testing.T) {
	s := newTestServer(t, assessment.Dependencies{})

	w := do(t, s, http.MethodPost, "/api/v1/fuse", map[string]interface{}{
		"code_analysis":     map[string]interface{}{"source": "code_analyzer", "risk_score": 0.92, "confidence": 0.95},
		"bytecode_analysis": map[string]interface{}{"source": "bytecode", "risk_score": 0.88, "confidence": 0.90},
		"behavior_analysis": map[string]interface{}{"source": "behavior", "risk_score": 0.85, "confidence": 0.88},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result models.FusedRiskResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, models.RiskCritical, result.RiskLevel)
	assert.InDelta(t, 0.888, result.FinalScore, 1e-9)

	w = do(t, s, http.MethodPost, "/api/v1/fuse", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyze(t *testing.T) {
	s := newTestServer(t, assessment.Dependencies{Verifier: stubVerifier{status: models.StatusSuspicious}})

	w := do(t, s, http.MethodPost, "/api/v1/analyze", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(models.ErrorKindInvalidInput), decode(t, w)["kind"])

	w = do(t, s, http.MethodPost, "/api/v1/analyze", map[string]interface{}{"contract_address": "0x1234"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/analyze", map[string]interface{}{
		"contract_address": testAddress,
		"code_analysis":    map[string]interface{}{"source": "code_analyzer", "risk_score": 0.1, "confidence": 0.9},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var a models.Assessment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, testAddress, a.ContractAddress)
	require.NotNil(t, a.Verdict)
	assert.Equal(t, models.OverallHigh, a.Verdict.OverallRiskLevel)
	assert.Nil(t, a.Receipt)
}

func TestVerify(t *testing.T) {
	s := newTestServer(t, assessment.Dependencies{})
	w := do(t, s, http.MethodPost, "/api/v1/verify", map[string]string{"contract_address": testAddress})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s = newTestServer(t, assessment.Dependencies{Verifier: stubVerifier{status: models.StatusUnverified}})
	w = do(t, s, http.MethodPost, "/api/v1/verify", map[string]string{"contract_address": testAddress})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "unverified", decode(t, w)["status"])

	w = do(t, s, http.MethodPost, "/api/v1/verify", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/verify/batch", map[string]interface{}{
		"targets": []map[string]string{
			{"contract_address": testAddress},
			{"contract_address": "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", "expected_bytecode": "0x6080"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["total"])

	w = do(t, s, http.MethodPost, "/api/v1/verify/batch", map[string]interface{}{
		"targets": []map[string]string{{"contract_address": testAddress, "expected_bytecode": "zz"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWriteback(t *testing.T) {
	s := newTestServer(t, assessment.Dependencies{Verifier: stubVerifier{status: models.StatusVerified}, Writer: &stubWriter{}})
	w := do(t, s, http.MethodPost, "/api/v1/writeback", map[string]interface{}{
		"contract_address": testAddress, "ai_score": 0.8, "ai_confidence": 0.9,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "WRITEBACK_DISABLED", decode(t, w)["code"])

	s = newTestServer(t, withWriteback(t, assessment.Dependencies{
		Verifier: stubVerifier{status: models.StatusVerified},
		Writer:   &stubWriter{},
	}))

	w = do(t, s, http.MethodPost, "/api/v1/writeback", map[string]interface{}{"contract_address": testAddress})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/writeback", map[string]interface{}{
		"contract_address": testAddress, "ai_score": 0.8, "ai_confidence": 0.9,
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "0xfeed", body["tx_hash"])
}

func TestGetRisk(t *testing.T) {
	writer := &stubWriter{scores: map[common.Address]string{common.HexToAddress(testAddress): "Risk: LOW, Score: 0.100"}}
	s := newTestServer(t, withWriteback(t, assessment.Dependencies{Writer: writer}))

	w := do(t, s, http.MethodGet, "/api/v1/risk/"+testAddress, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Risk: LOW, Score: 0.100", decode(t, w)["risk_score"])

	w = do(t, s, http.MethodGet, "/api/v1/risk/0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/risk/nothex", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReceiptsAndNodes(t *testing.T) {
	s := newTestServer(t, assessment.Dependencies{})

	w := do(t, s, http.MethodGet, "/api/v1/receipts/"+testAddress+"?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["total"])

	w = do(t, s, http.MethodGet, "/api/v1/receipts/0x12", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/nodes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = do(t, s, http.MethodGet, "/api/v1/errors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total_errors"])
}

func TestLogsEndpoint(t *testing.T) {
	logger := quietLogger()
	s := newTestServer(t, assessment.Dependencies{Logger: logger})

	logger.WithField("component", "test").Info("第一条")
	logger.Warn("第二条")
	logger.Debug("不会被记录")

	w := do(t, s, http.MethodGet, "/api/v1/logs?pageSize=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["total"])
	logs := body["logs"].([]interface{})
	require.Len(t, logs, 1)
	assert.Equal(t, "第二条", logs[0].(map[string]interface{})["message"])

	w = do(t, s, http.MethodGet, "/api/v1/logs?level=info", nil)
	body = decode(t, w)
	assert.Equal(t, float64(1), body["total"])
	entry := body["logs"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "test", entry["component"])

	w = do(t, s, http.MethodDelete, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, s.LogManager().Len())
}

func TestLogManager_Ring(t *testing.T) {
	lm := NewLogManager(3)
	logger := quietLogger()
	logger.AddHook(NewLogHook(lm))

	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		logger.Info(msg)
	}

	assert.Equal(t, 3, lm.Len())
	logs := lm.GetLogs("", 0)
	require.Len(t, logs, 3)
	assert.Equal(t, "e", logs[0].Message)
	assert.Equal(t, "c", logs[2].Message)

	page, total := lm.GetLogsWithPagination("", 2, 2)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].Message)

	page, _ = lm.GetLogsWithPagination("", 5, 2)
	assert.Empty(t, page)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, assessment.Dependencies{})
	w := do(t, s, http.MethodOptions, "/api/v1/fuse", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
