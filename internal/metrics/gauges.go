// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram）
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rdt"

// EventMetrics 事件指标集合，nil 接收者上的调用均为空操作
type EventMetrics struct {
	// 会话相关
	ActiveSessions prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec

	// 请求相关
	RequestsTotal    *prometheus.CounterVec
	TransferBytes    *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec

	// 连接建立与关闭
	HandshakeFailures prometheus.Counter
	TeardownFailures  prometheus.Counter

	// RTT
	RTT prometheus.Histogram
}

// NewEventMetrics 创建指标集合并注册
func NewEventMetrics(registry prometheus.Registerer) *EventMetrics {
	m := &EventMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently active sessions",
		}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions by result",
		}, []string{"result"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests by kind and result",
		}, []string{"kind", "result"}),

		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Payload bytes delivered by transfer kind",
		}, []string{"kind"}),

		TransferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "duration_seconds",
			Help:      "Duration of completed transfers",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),

		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "handshake_failures_total",
			Help:      "Total number of failed handshakes",
		}),

		TeardownFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "teardown_failures_total",
			Help:      "Total number of teardowns that timed out",
		}),

		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "srtt_seconds",
			Help:      "Smoothed RTT observed at the end of each session",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}

	// 注册所有指标
	registry.MustRegister(
		m.ActiveSessions,
		m.SessionsTotal,
		m.RequestsTotal,
		m.TransferBytes,
		m.TransferDuration,
		m.HandshakeFailures,
		m.TeardownFailures,
		m.RTT,
	)

	return m
}

// RecordSession 记录会话状态变化 (opened / completed / failed)
func (m *EventMetrics) RecordSession(status string) {
	if m == nil {
		return
	}
	if status == "opened" {
		m.ActiveSessions.Inc()
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
}

// RecordRequest 记录请求
func (m *EventMetrics) RecordRequest(kind, result string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind, result).Inc()
}

// RecordTransfer 记录完成的传输
func (m *EventMetrics) RecordTransfer(kind string, bytes int, d time.Duration) {
	if m == nil {
		return
	}
	m.TransferBytes.WithLabelValues(kind).Add(float64(bytes))
	m.TransferDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordHandshakeFailure 记录握手失败
func (m *EventMetrics) RecordHandshakeFailure() {
	if m == nil {
		return
	}
	m.HandshakeFailures.Inc()
}

// RecordTeardownFailure 记录关闭超时
func (m *EventMetrics) RecordTeardownFailure() {
	if m == nil {
		return
	}
	m.TeardownFailures.Inc()
}

// RecordRTT 记录会话结束时的平滑 RTT
func (m *EventMetrics) RecordRTT(srtt time.Duration) {
	if m == nil || srtt <= 0 {
		return
	}
	m.RTT.Observe(srtt.Seconds())
}
