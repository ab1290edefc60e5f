// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/rdt/internal/transport"
)

// =============================================================================
// 传输层收集器
// =============================================================================

// TransportStats 传输层统计数据接口
type TransportStats interface {
	// TransportStats 返回所有会话累加后的连接统计
	TransportStats() transport.Stats
	ActiveSessions() int64
	TotalSessions() uint64
	UptimeSeconds() float64
}

// TransportCollector 传输层指标收集器
type TransportCollector struct {
	statsProvider TransportStats

	// 描述符
	segmentsDesc       *prometheus.Desc
	bytesDesc          *prometheus.Desc
	retransmitsDesc    *prometheus.Desc
	acksDesc           *prometheus.Desc
	dupAcksDesc        *prometheus.Desc
	checksumErrorsDesc *prometheus.Desc
	duplicatesDesc     *prometheus.Desc
	bufferedDesc       *prometheus.Desc
	injectedDesc       *prometheus.Desc

	// 最近一次会话的状态
	windowDesc *prometheus.Desc
	srttDesc   *prometheus.Desc
	rtoDesc    *prometheus.Desc

	// 会话相关
	activeSessionsDesc *prometheus.Desc
	totalSessionsDesc  *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewTransportCollector 创建传输层收集器
func NewTransportCollector(provider TransportStats) *TransportCollector {
	subsystem := "transport"

	return &TransportCollector{
		statsProvider: provider,

		segmentsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "segments_total"),
			"Segments by direction",
			[]string{"direction"}, nil,
		),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "payload_bytes_total"),
			"Payload bytes by direction",
			[]string{"direction"}, nil,
		),
		retransmitsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "retransmits_total"),
			"Retransmitted segments by trigger",
			[]string{"trigger"}, nil,
		),
		acksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "acks_total"),
			"Acknowledgements by direction",
			[]string{"direction"}, nil,
		),
		dupAcksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "duplicate_acks_total"),
			"Duplicate acknowledgements received",
			nil, nil,
		),
		checksumErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "checksum_errors_total"),
			"Frames discarded for checksum mismatch",
			nil, nil,
		),
		duplicatesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "duplicate_segments_total"),
			"Data segments received more than once",
			nil, nil,
		),
		bufferedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "buffered_segments_total"),
			"Out-of-order data segments buffered",
			nil, nil,
		),
		injectedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "injected_faults_total"),
			"Faults applied by the injector",
			[]string{"kind"}, nil,
		),

		windowDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "window_segments"),
			"Send window of the last session",
			nil, nil,
		),
		srttDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "srtt_seconds"),
			"Smoothed RTT of the last session",
			nil, nil,
		),
		rtoDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "rto_seconds"),
			"Retransmission timeout of the last session",
			nil, nil,
		),

		activeSessionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "active_sessions"),
			"Sessions currently being served",
			nil, nil,
		),
		totalSessionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "sessions_total"),
			"Sessions accepted since start",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "uptime_seconds"),
			"Server uptime in seconds",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.segmentsDesc
	ch <- c.bytesDesc
	ch <- c.retransmitsDesc
	ch <- c.acksDesc
	ch <- c.dupAcksDesc
	ch <- c.checksumErrorsDesc
	ch <- c.duplicatesDesc
	ch <- c.bufferedDesc
	ch <- c.injectedDesc
	ch <- c.windowDesc
	ch <- c.srttDesc
	ch <- c.rtoDesc
	ch <- c.activeSessionsDesc
	ch <- c.totalSessionsDesc
	ch <- c.uptimeDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statsProvider.TransportStats()

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	}

	counter(c.segmentsDesc, s.SegmentsSent, "sent")
	counter(c.segmentsDesc, s.SegmentsReceived, "received")
	counter(c.bytesDesc, s.BytesSent, "sent")
	counter(c.bytesDesc, s.BytesReceived, "received")

	counter(c.retransmitsDesc, s.TimeoutRetransmits, "timeout")
	counter(c.retransmitsDesc, s.FastRetransmits, "fast")
	if other := s.Retransmits - s.TimeoutRetransmits - s.FastRetransmits; s.Retransmits >= s.TimeoutRetransmits+s.FastRetransmits {
		counter(c.retransmitsDesc, other, "control")
	}

	counter(c.acksDesc, s.AcksSent, "sent")
	counter(c.acksDesc, s.AcksReceived, "received")
	counter(c.dupAcksDesc, s.DupAcks)
	counter(c.checksumErrorsDesc, s.ChecksumErrors)
	counter(c.duplicatesDesc, s.Duplicates)
	counter(c.bufferedDesc, s.Buffered)
	counter(c.injectedDesc, s.InjectedLosses, "loss")
	counter(c.injectedDesc, s.InjectedCorruptions, "corruption")

	gauge(c.windowDesc, float64(s.Window))
	gauge(c.srttDesc, s.SRTT.Seconds())
	gauge(c.rtoDesc, s.RTO.Seconds())

	gauge(c.activeSessionsDesc, float64(c.statsProvider.ActiveSessions()))
	counter(c.totalSessionsDesc, c.statsProvider.TotalSessions())
	gauge(c.uptimeDesc, c.statsProvider.UptimeSeconds())
}
