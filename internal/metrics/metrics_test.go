package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/rdt/internal/transport"
)

type fakeProvider struct {
	stats transport.Stats
}

func (p *fakeProvider) TransportStats() transport.Stats { return p.stats }
func (p *fakeProvider) ActiveSessions() int64           { return 1 }
func (p *fakeProvider) TotalSessions() uint64           { return 7 }
func (p *fakeProvider) UptimeSeconds() float64          { return 12.5 }

func TestRecorderHistory(t *testing.T) {
	r := NewRecorder()
	for i := 0; i < historyLimit+5; i++ {
		r.RecordTransfer(TransferRecord{Kind: "download", Bytes: i, Peer: fmt.Sprint(i)})
	}
	r.RecordTransfer(TransferRecord{Kind: "upload", Bytes: 10, Err: "timeout"})

	assert.EqualValues(t, historyLimit+5, r.Downloads())
	assert.Zero(t, r.Uploads(), "失败的传输不计入成功次数")

	all := r.History(0)
	require.Len(t, all, historyLimit)
	assert.Equal(t, "upload", all[0].Kind, "最新记录在前")
	assert.Equal(t, "104", all[1].Peer)

	assert.Len(t, r.History(3), 3)
}

func TestRecorderSessions(t *testing.T) {
	r := NewRecorder()
	r.SessionOpened()
	r.SessionOpened()
	r.SessionClosed(false)
	r.SessionClosed(true)
	r.InvalidRequest()

	stats := r.GetStats()
	assert.EqualValues(t, 0, stats["active_sessions"])
	assert.EqualValues(t, 2, stats["total_sessions"])
	assert.EqualValues(t, 1, stats["failed_sessions"])
	assert.EqualValues(t, 1, stats["invalid_requests"])
}

func TestEventMetricsNilSafe(t *testing.T) {
	var m *EventMetrics
	assert.NotPanics(t, func() {
		m.RecordSession("opened")
		m.RecordRequest("download", "accepted")
		m.RecordTransfer("download", 10, time.Second)
		m.RecordHandshakeFailure()
		m.RecordTeardownFailure()
		m.RecordRTT(time.Millisecond)
	})
}

func TestEventMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEventMetrics(reg)

	m.RecordSession("opened")
	m.RecordSession("opened")
	m.RecordSession("completed")
	m.RecordRequest("download", "accepted")
	m.RecordRequest("bogus", "rejected")
	m.RecordTransfer("download", 2048, 50*time.Millisecond)
	m.RecordHandshakeFailure()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("bogus", "rejected")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.TransferBytes.WithLabelValues("download")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandshakeFailures))
}

func TestTransportCollector(t *testing.T) {
	p := &fakeProvider{stats: transport.Stats{
		SegmentsSent:       10,
		Retransmits:        5,
		TimeoutRetransmits: 2,
		FastRetransmits:    1,
		Window:             4,
		SRTT:               20 * time.Millisecond,
	}}
	c := NewTransportCollector(p)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP rdt_transport_retransmits_total Retransmitted segments by trigger
# TYPE rdt_transport_retransmits_total counter
rdt_transport_retransmits_total{trigger="control"} 2
rdt_transport_retransmits_total{trigger="fast"} 1
rdt_transport_retransmits_total{trigger="timeout"} 2
# HELP rdt_transport_window_segments Send window of the last session
# TYPE rdt_transport_window_segments gauge
rdt_transport_window_segments 4
# HELP rdt_server_sessions_total Sessions accepted since start
# TYPE rdt_server_sessions_total counter
rdt_server_sessions_total 7
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"rdt_transport_retransmits_total", "rdt_transport_window_segments", "rdt_server_sessions_total"))
}

func TestMetricsServerEndpoints(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "/metrics", "/health", false)
	s.SetVersion("test")
	s.MustRegisterCollector(NewTransportCollector(&fakeProvider{}))

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rdt_server_uptime_seconds")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "test", status.Version)

	s.SetHealthCheck(func() HealthStatus { return HealthStatus{Status: "unhealthy"} })
	resp, err = http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s.SetHealthy(false)
	resp, err = http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsServerLinkHealth(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "/metrics", "/health", false)
	p := &fakeProvider{stats: transport.Stats{
		SegmentsSent: 100,
		Retransmits:  10,
		SRTT:         15 * time.Millisecond,
		RTO:          100 * time.Millisecond,
	}}
	s.SetStatsProvider(p)

	status := s.Status()
	assert.Equal(t, "healthy", status.Status)
	require.NotNil(t, status.Sessions)
	assert.EqualValues(t, 1, status.Sessions.Active)
	assert.EqualValues(t, 7, status.Sessions.Total)
	require.NotNil(t, status.Link)
	assert.InDelta(t, 0.1, status.Link.RetransmitRatio, 1e-9)
	assert.Equal(t, "15ms", status.Link.SRTT)

	// 重传占比过高: 降级但仍就绪
	p.stats.Retransmits = 60
	status = s.Status()
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "degraded", status.Components["link"].Status)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// 样本不足时不判定降级
	p.stats = transport.Stats{SegmentsSent: 4, Retransmits: 4}
	assert.Equal(t, "healthy", s.Status().Status)

	// 组件异常优先于链路评估
	s.SetHealthCheck(func() HealthStatus { return HealthStatus{Status: "unhealthy"} })
	assert.Equal(t, "unhealthy", s.Status().Status)
}

func TestMetricsServerStartStop(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "/metrics", "/health", false)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.NotNil(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr().String() + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.Eventually(t, func() bool {
		_, err := http.Get("http://" + s.Addr().String() + "/health/live")
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}
