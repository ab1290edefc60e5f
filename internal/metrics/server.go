// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 指标与健康检查 HTTP 服务 - 会话概况、链路质量、Prometheus 导出
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// 链路重传占比达到该值时健康状态降级
const degradedRetransmitRatio = 0.5

// 链路评估所需的最少发送段数
const minLinkSamples = 32

// MetricsServer 指标服务器
type MetricsServer struct {
	listen      string
	metricsPath string
	healthPath  string
	enablePprof bool
	startTime   time.Time
	registry    *prometheus.Registry

	alive atomic.Bool

	mu          sync.RWMutex
	version     string
	provider    TransportStats
	healthCheck func() HealthStatus
	httpServer  *http.Server
	listener    net.Listener
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Sessions   *SessionHealth             `json:"sessions,omitempty"`
	Link       *LinkHealth                `json:"link,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SessionHealth 会话概况
type SessionHealth struct {
	Active int64  `json:"active"`
	Total  uint64 `json:"total"`
}

// LinkHealth 链路质量 (累计所有会话)
type LinkHealth struct {
	SegmentsSent    uint64  `json:"segments_sent"`
	Retransmits     uint64  `json:"retransmits"`
	RetransmitRatio float64 `json:"retransmit_ratio"`
	ChecksumErrors  uint64  `json:"checksum_errors"`
	SRTT            string  `json:"srtt"`
	RTO             string  `json:"rto"`
}

// NewMetricsServer 创建指标服务器 (独立 registry，附带 Go 运行时与进程指标)
func NewMetricsServer(listen, metricsPath, healthPath string, enablePprof bool) *MetricsServer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &MetricsServer{
		listen:      listen,
		metricsPath: metricsPath,
		healthPath:  healthPath,
		enablePprof: enablePprof,
		startTime:   time.Now(),
		registry:    registry,
	}
	s.alive.Store(true)
	return s
}

// SetVersion 设置健康检查中报告的版本
func (s *MetricsServer) SetVersion(v string) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

// SetStatsProvider 设置会话与链路统计来源，健康检查据此报告概况并判定降级
func (s *MetricsServer) SetStatsProvider(p TransportStats) {
	s.mu.Lock()
	s.provider = p
	s.mu.Unlock()
}

// SetHealthCheck 设置组件健康检查函数
func (s *MetricsServer) SetHealthCheck(fn func() HealthStatus) {
	s.mu.Lock()
	s.healthCheck = fn
	s.mu.Unlock()
}

// RegisterCollector 注册 Prometheus 收集器
func (s *MetricsServer) RegisterCollector(c prometheus.Collector) error {
	return s.registry.Register(c)
}

// MustRegisterCollector 注册收集器，失败时 panic
func (s *MetricsServer) MustRegisterCollector(c prometheus.Collector) {
	s.registry.MustRegister(c)
}

// GetRegistry 获取 registry
func (s *MetricsServer) GetRegistry() *prometheus.Registry {
	return s.registry
}

// Handler 构建 HTTP 路由
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.healthPath, s.handleHealth)
	mux.HandleFunc(s.healthPath+"/live", s.handleLiveness)
	mux.HandleFunc(s.healthPath+"/ready", s.handleReadiness)
	mux.Handle(s.metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Start 绑定地址并在后台提供服务，ctx 结束时停止
func (s *MetricsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("监听 metrics 地址失败: %w", err)
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("[Metrics] 服务器错误")
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	log.Info().Str("addr", ln.Addr().String()).Str("path", s.metricsPath).Msg("[Metrics] 已启动")
	return nil
}

// Addr 实际监听地址，未启动时为 nil
func (s *MetricsServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 停止服务器
func (s *MetricsServer) Stop() {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

// SetHealthy 设置存活状态
func (s *MetricsServer) SetHealthy(healthy bool) {
	s.alive.Store(healthy)
}

// Status 汇总组件检查、会话概况与链路质量
// 组件全部正常但重传占比过高时报告 degraded
func (s *MetricsServer) Status() HealthStatus {
	s.mu.RLock()
	check, provider, version := s.healthCheck, s.provider, s.version
	s.mu.RUnlock()

	status := HealthStatus{Status: "healthy"}
	if check != nil {
		status = check()
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	if status.Version == "" {
		status.Version = version
	}
	if status.Uptime == "" {
		status.Uptime = time.Since(s.startTime).Truncate(time.Second).String()
	}

	if provider == nil {
		return status
	}
	status.Sessions = &SessionHealth{
		Active: provider.ActiveSessions(),
		Total:  provider.TotalSessions(),
	}
	link := linkHealth(provider)
	status.Link = link

	if status.Status == "healthy" && link.SegmentsSent >= minLinkSamples && link.RetransmitRatio >= degradedRetransmitRatio {
		status.Status = "degraded"
		if status.Components == nil {
			status.Components = map[string]ComponentHealth{}
		}
		status.Components["link"] = ComponentHealth{
			Status:  "degraded",
			Message: fmt.Sprintf("重传占比 %.0f%%", link.RetransmitRatio*100),
		}
	}
	return status
}

func linkHealth(p TransportStats) *LinkHealth {
	st := p.TransportStats()
	link := &LinkHealth{
		SegmentsSent:   st.SegmentsSent,
		Retransmits:    st.Retransmits,
		ChecksumErrors: st.ChecksumErrors,
		SRTT:           st.SRTT.String(),
		RTO:            st.RTO.String(),
	}
	if st.SegmentsSent > 0 {
		link.RetransmitRatio = float64(st.Retransmits) / float64(st.SegmentsSent)
	}
	return link
}

func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

func (s *MetricsServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if !s.alive.Load() {
		http.Error(w, "NOT OK", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK"))
}

// handleReadiness 降级仍视为就绪，链路差不影响接受新会话
func (s *MetricsServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.alive.Load() && s.Status().Status != "unhealthy" {
		w.Write([]byte("READY"))
		return
	}
	http.Error(w, "NOT READY", http.StatusServiceUnavailable)
}
