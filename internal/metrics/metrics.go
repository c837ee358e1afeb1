package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scathat"

// Metrics 服务指标，所有方法在接收者为nil时为空操作
type Metrics struct {
	registry *prometheus.Registry

	fusions       *prometheus.CounterVec
	finalScore    prometheus.Histogram
	detectorCalls *prometheus.CounterVec
	detectorTime  *prometheus.HistogramVec
	verifications *prometheus.CounterVec
	verifyTime    prometheus.Histogram
	writes        *prometheus.CounterVec
	writeRetries  prometheus.Histogram
	httpRequests  *prometheus.CounterVec
}

// New 创建指标并注册到独立的registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fusions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fusions_total",
			Help:      "Fused risk results by risk level.",
		}, []string{"risk_level"}),
		finalScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fusion_final_score",
			Help:      "Distribution of fused final scores.",
			Buckets:   []float64{0.2, 0.4, 0.6, 0.8, 1.0},
		}),
		detectorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_calls_total",
			Help:      "Detector calls by source and whether the reading was degraded.",
		}, []string{"source", "degraded"}),
		detectorTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detector_duration_seconds",
			Help:      "Detector call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "On-chain verifications by status.",
		}, []string{"status"}),
		verifyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "On-chain verification latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writebacks_total",
			Help:      "Registry writebacks by outcome and error kind.",
		}, []string{"success", "error_kind"}),
		writeRetries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "writeback_retries",
			Help:      "Retries used by registry writebacks.",
			Buckets:   []float64{0, 1, 2, 3, 5},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fusions, m.finalScore,
		m.detectorCalls, m.detectorTime,
		m.verifications, m.verifyTime,
		m.writes, m.writeRetries,
		m.httpRequests,
	)
	return m
}

// Registry 返回底层registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler /metrics处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFusion 记录一次融合
func (m *Metrics) ObserveFusion(level string, score float64) {
	if m == nil {
		return
	}
	m.fusions.WithLabelValues(level).Inc()
	m.finalScore.Observe(score)
}

// ObserveDetector 记录一次检测器调用
func (m *Metrics) ObserveDetector(source string, degraded bool, d time.Duration) {
	if m == nil {
		return
	}
	m.detectorCalls.WithLabelValues(source, strconv.FormatBool(degraded)).Inc()
	m.detectorTime.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveVerification 记录一次链上验证
func (m *Metrics) ObserveVerification(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(status).Inc()
	m.verifyTime.Observe(d.Seconds())
}

// ObserveWrite 记录一次链上写入
func (m *Metrics) ObserveWrite(success bool, errorKind string, retries int) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(strconv.FormatBool(success), errorKind).Inc()
	m.writeRetries.Observe(float64(retries))
}

// ObserveHTTP 记录一次HTTP请求
func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
