// =============================================================================
// 文件: internal/session/server.go
// 描述: 会话服务端 - 接受连接、分发请求、空闲终止
// =============================================================================
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mrcgq/rdt/internal/fault"
	"github.com/mrcgq/rdt/internal/metrics"
	"github.com/mrcgq/rdt/internal/transport"
)

// Server 会话服务端，依次服务每个客户端
type Server struct {
	addr     string
	handler  Handler
	opts     transport.Options
	log      zerolog.Logger
	listener *transport.Listener

	mu          sync.Mutex
	profile     fault.Profile
	injector    fault.Injector
	maxSessions int
	current     *transport.Conn
	totals      transport.Stats

	events   *metrics.EventMetrics
	recorder *metrics.Recorder

	handshakeFailures uint64
	idleTimeouts      uint64
}

// NewServer 创建服务端
func NewServer(addr string, handler Handler, opts transport.Options) *Server {
	if opts.Config == nil {
		opts.Config = transport.DefaultConnConfig()
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Server{
		addr:     addr,
		handler:  handler,
		opts:     opts,
		log:      logger.With().Str("component", "server").Logger(),
		recorder: metrics.NewRecorder(),
	}
}

// Listen 绑定监听地址，失败返回 *transport.BindError
func (s *Server) Listen() error {
	l, err := transport.Listen(s.addr, s.opts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.log.Info().Str("addr", l.Addr().String()).Msg("服务端已监听")
	return nil
}

// Addr 监听地址
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// SetFaultProfile 设置故障配置，从下一个会话开始生效
func (s *Server) SetFaultProfile(p fault.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.profile = p
	s.injector = nil
	s.mu.Unlock()
	s.log.Info().Stringer("profile", p).Msg("故障配置已更新，下一个会话生效")
	return nil
}

// SetInjector 直接指定故障注入器 (优先于故障配置)
func (s *Server) SetInjector(inj fault.Injector) {
	s.mu.Lock()
	s.injector = inj
	s.mu.Unlock()
}

// SetMetrics 设置事件指标
func (s *Server) SetMetrics(m *metrics.EventMetrics) {
	s.events = m
}

// SetMaxSessions 服务 n 个会话后停止，0 表示不限
func (s *Server) SetMaxSessions(n int) {
	s.mu.Lock()
	s.maxSessions = n
	s.mu.Unlock()
}

func (s *Server) nextInjector() (fault.Injector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injector != nil {
		return s.injector, nil
	}
	return fault.FromProfile(s.profile)
}

// Serve 循环接受并服务会话
// 连续 IdleLimit 次等待超时、达到会话上限、监听器关闭或 ctx 结束时返回 nil
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return ErrNotListening
	}

	idle := 0
	served := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		inj, err := s.nextInjector()
		if err != nil {
			return err
		}
		l.SetFaults(inj)

		conn, err := l.Accept(ctx)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrIdle):
			idle++
			atomic.AddUint64(&s.idleTimeouts, 1)
			if idle >= s.opts.Config.IdleLimit {
				s.log.Info().Int("idle", idle).Msg("长时间无连接，服务端退出")
				return nil
			}
			continue
		case errors.Is(err, transport.ErrConnectionFailed):
			atomic.AddUint64(&s.handshakeFailures, 1)
			s.events.RecordHandshakeFailure()
			continue
		case errors.Is(err, transport.ErrConnClosed), ctx.Err() != nil:
			return nil
		default:
			return err
		}
		idle = 0

		s.serveConn(ctx, conn)
		served++

		s.mu.Lock()
		max := s.maxSessions
		s.mu.Unlock()
		if max > 0 && served >= max {
			s.log.Info().Int("sessions", served).Msg("已达到会话上限，服务端退出")
			return nil
		}
	}
}

// serveConn 服务一个已建立的连接直至拆除
func (s *Server) serveConn(ctx context.Context, conn *transport.Conn) {
	peer := conn.RemoteAddr().String()
	logger := s.log.With().Str("peer", peer).Logger()
	logger.Info().Msg("会话开始")

	s.mu.Lock()
	s.current = conn
	s.mu.Unlock()
	s.recorder.SessionOpened()
	s.events.RecordSession("opened")

	failed := true
	defer func() {
		stats := conn.Stats()
		s.mu.Lock()
		s.current = nil
		s.totals.Add(stats)
		s.mu.Unlock()

		s.recorder.SessionClosed(failed)
		result := "completed"
		if failed {
			result = "failed"
		}
		s.events.RecordSession(result)
		s.events.RecordRTT(stats.SRTT)
		logger.Info().
			Str("result", result).
			Uint64("segments_sent", stats.SegmentsSent).
			Uint64("retransmits", stats.Retransmits).
			Dur("srtt", stats.SRTT).
			Msg("会话结束")
	}()

	for {
		req, err := conn.NextRequest(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrIdle) {
				logger.Warn().Msg("客户端空闲，放弃会话")
			} else {
				logger.Error().Err(err).Msg("等待请求失败")
			}
			conn.Abort()
			return
		}

		if req.Teardown {
			if err := conn.AcceptTeardown(ctx); err != nil {
				s.events.RecordTeardownFailure()
				logger.Warn().Err(err).Msg("拆除未完成")
			}
			failed = false
			return
		}

		switch req.Name {
		case transport.RequestDownload:
			err = s.handleDownload(ctx, conn, peer)
		case transport.RequestUpload:
			err = s.handleUpload(ctx, conn, peer)
		default:
			s.recorder.InvalidRequest()
			s.events.RecordRequest("invalid", "rejected")
			logger.Warn().Str("request", req.Name).Msg("无效请求")
			err = conn.Respond(false)
		}
		if err != nil {
			logger.Error().Err(err).Msg("请求处理失败")
			conn.Abort()
			return
		}
	}
}

// countingSource 统计经过的字节数
type countingSource struct {
	Source
	n int
}

func (c *countingSource) ReadChunk(max int) ([]byte, error) {
	b, err := c.Source.ReadChunk(max)
	c.n += len(b)
	return b, err
}

func (s *Server) handleDownload(ctx context.Context, conn *transport.Conn, peer string) error {
	src, err := s.handler.OpenDownload()
	if err != nil {
		s.events.RecordRequest(transport.RequestDownload, "rejected")
		s.log.Error().Err(err).Msg("打开下载源失败")
		return conn.Respond(false)
	}
	defer src.Close()

	if err := conn.Respond(true); err != nil {
		return err
	}
	s.events.RecordRequest(transport.RequestDownload, "accepted")

	cs := &countingSource{Source: src}
	start := time.Now()
	err = conn.SendStream(ctx, cs)
	s.finishTransfer(transport.RequestDownload, peer, cs.n, time.Since(start), err)
	return err
}

func (s *Server) handleUpload(ctx context.Context, conn *transport.Conn, peer string) error {
	if err := conn.Respond(true); err != nil {
		return err
	}
	s.events.RecordRequest(transport.RequestUpload, "accepted")

	start := time.Now()
	data, err := conn.ReceiveStream(ctx)
	if err == nil {
		err = s.handler.StoreUpload(data)
	}
	s.finishTransfer(transport.RequestUpload, peer, len(data), time.Since(start), err)
	if errors.Is(err, ErrHandler) {
		// 数据已完整接收，存储失败不影响连接
		s.log.Error().Err(err).Msg("保存上传失败")
		return nil
	}
	return err
}

func (s *Server) finishTransfer(kind, peer string, n int, d time.Duration, err error) {
	rec := metrics.TransferRecord{Peer: peer, Kind: kind, Bytes: n, Duration: d}
	if err != nil {
		rec.Err = err.Error()
	} else {
		s.events.RecordTransfer(kind, n, d)
		s.log.Info().Str("kind", kind).Int("bytes", n).Dur("elapsed", d).Msg("传输完成")
	}
	s.recorder.RecordTransfer(rec)
}

// Close 关闭监听器
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// =============================================================================
// 统计
// =============================================================================

// TransportStats 所有会话累加的连接统计 (含当前会话)
func (s *Server) TransportStats() transport.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.totals
	if s.current != nil {
		total.Add(s.current.Stats())
	}
	return total
}

// ActiveSessions 活跃会话数
func (s *Server) ActiveSessions() int64 {
	return s.recorder.ActiveSessions()
}

// TotalSessions 累计会话数
func (s *Server) TotalSessions() uint64 {
	return s.recorder.TotalSessions()
}

// UptimeSeconds 运行时间
func (s *Server) UptimeSeconds() float64 {
	return s.recorder.Uptime().Seconds()
}

// History 最近的传输记录
func (s *Server) History(limit int) []metrics.TransferRecord {
	return s.recorder.History(limit)
}

// HealthStatus 健康状态，供 metrics 服务使用
func (s *Server) HealthStatus() metrics.HealthStatus {
	s.mu.Lock()
	listening := s.listener != nil
	s.mu.Unlock()

	status := metrics.HealthStatus{
		Status:     "healthy",
		Components: map[string]metrics.ComponentHealth{},
	}
	if !listening {
		status.Status = "unhealthy"
		status.Components["listener"] = metrics.ComponentHealth{Status: "down", Message: "未监听"}
	} else {
		status.Components["listener"] = metrics.ComponentHealth{Status: "up"}
	}
	return status
}

// GetStats 获取统计信息
func (s *Server) GetStats() map[string]interface{} {
	stats := s.recorder.GetStats()
	stats["handshake_failures"] = atomic.LoadUint64(&s.handshakeFailures)
	stats["idle_timeouts"] = atomic.LoadUint64(&s.idleTimeouts)

	t := s.TransportStats()
	stats["segments_sent"] = t.SegmentsSent
	stats["segments_received"] = t.SegmentsReceived
	stats["retransmits"] = t.Retransmits
	stats["checksum_errors"] = t.ChecksumErrors

	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		stats["listener"] = l.GetStats()
	}
	return stats
}
