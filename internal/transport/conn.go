// =============================================================================
// 文件: internal/transport/conn.go
// 描述: 可靠传输 - 连接 (握手状态机、收发边界、统计)
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/soypat/seqs"

	"github.com/mrcgq/rdt/internal/congestion"
	"github.com/mrcgq/rdt/internal/fault"
)

// frameKind 发送帧类别，决定故障注入钩子
type frameKind uint8

const (
	frameControl frameKind = iota // 握手、请求、拆除: 不受注入影响
	frameData                     // 数据段: 受 Data 钩子影响
	frameAck                      // 接收方确认: 受 Ack 钩子影响
)

// Conn 可靠连接
// 一个连接同一时刻只有一个调用方 (发送循环或接收循环)，不做内部并发保护
type Conn struct {
	// 底层 UDP
	pc         net.PacketConn
	remoteAddr net.Addr
	localAddr  net.Addr
	ownsSocket bool

	localPort  uint16
	remotePort uint16

	// 配置
	config *ConnConfig
	codec  Codec
	faults fault.Injector
	tap    Tap
	log    zerolog.Logger

	// 序列号
	sendNext seqs.Value   // 本端下一个要使用的偏移
	recv     *reassembly  // 对端数据的重组与累积确认

	// RTT 估算 (跨流保留)
	rtt *congestion.RTTEstimator

	// 最近一次请求应答，用于响应重复请求
	lastResponse []byte
	pendingReq   *Segment

	// 状态
	state     uint32
	closeOnce sync.Once

	rbuf []byte

	// 统计
	stats Stats
}

// newConn 创建连接 (未握手)
func newConn(pc net.PacketConn, remote net.Addr, opts Options, owns bool) *Conn {
	opts = opts.withDefaults()
	cfg := opts.Config

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &Conn{
		pc:         pc,
		remoteAddr: remote,
		localAddr:  pc.LocalAddr(),
		ownsSocket: owns,
		config:     cfg,
		codec:      NewCodec(cfg.FrameSize),
		faults:     opts.Faults,
		tap:        opts.Tap,
		rtt:        congestion.NewRTTEstimatorWithBounds(cfg.InitialRTT, cfg.RTOMin, cfg.RTOMax),
		state:      uint32(StateClosed),
		rbuf:       make([]byte, 64*1024),
	}
	c.localPort = portOf(c.localAddr)
	c.remotePort = portOf(remote)
	c.log = logger.With().
		Str("local", addrString(c.localAddr)).
		Str("peer", addrString(remote)).
		Logger()
	c.publishRTT()

	return c
}

func portOf(a net.Addr) uint16 {
	if u, ok := a.(*net.UDPAddr); ok {
		return uint16(u.Port)
	}
	return 0
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}

// =============================================================================
// 建立连接
// =============================================================================

// Dial 绑定本地地址并向 remote 发起三次握手
func Dial(ctx context.Context, localAddr, remoteAddr string, opts Options) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: 解析地址 %s 失败: %v", ErrConnectionFailed, remoteAddr, err)
	}

	pc, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, &BindError{Addr: localAddr, Err: err}
	}

	c := newConn(pc, raddr, opts, true)
	if err := c.Connect(ctx); err != nil {
		pc.Close()
		return nil, err
	}
	return c, nil
}

// NewClientConn 在已有套接字上创建主动端连接 (不占有套接字)
func NewClientConn(pc net.PacketConn, remote net.Addr, opts Options) *Conn {
	return newConn(pc, remote, opts, false)
}

// Connect 主动连接: SYN(seq=0) → 期待 SYN|ACK(ack=1) → ACK(ack=对端序号+1)
// 任何偏差均关闭连接并返回 ErrConnectionFailed，不重试
func (c *Conn) Connect(ctx context.Context) error {
	if s := c.State(); s != StateClosed {
		return fmt.Errorf("%w: %s", ErrInvalidState, s)
	}
	c.setState(StateSynSent)

	// 发送 SYN
	syn := c.newSegment(FlagSYN, ClientISN, 0, nil)
	if err := c.sendSegment(syn, frameControl); err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("%w: 发送 SYN 失败: %v", ErrConnectionFailed, err)
	}
	c.log.Debug().Msg("SYN 已发送")

	deadline := c.boundDeadline(ctx, time.Now().Add(c.config.HandshakeTimeout))
	reply, err := c.readSegment(deadline)
	if err != nil {
		c.setState(StateClosed)
		if errors.Is(err, errPollTimeout) {
			return fmt.Errorf("%w: 等待 SYN-ACK 超时", ErrConnectionFailed)
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	want := seqs.Add(ClientISN, 1)
	if reply.Flags != FlagSYN|FlagACK || reply.Ack != want {
		c.setState(StateClosed)
		return fmt.Errorf("%w: 意外的握手应答 %s, 期望 SYN|ACK ack=%d", ErrConnectionFailed, reply, want)
	}

	// 第三次握手
	c.sendNext = want
	c.recv = newReassembly(seqs.Add(reply.Seq, 1), c.config.RecvBufferSize)
	ack := c.newSegment(FlagACK, c.sendNext, c.recv.ackNum(), nil)
	if err := c.sendSegment(ack, frameControl); err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("%w: 发送 ACK 失败: %v", ErrConnectionFailed, err)
	}

	c.setState(StateEstablished)
	c.log.Info().Msg("连接已建立")
	return nil
}

// accept 被动端: 收到 SYN 后回复 SYN|ACK(seq=1)，等待 ACK(ack=2)
func (c *Conn) accept(ctx context.Context, syn *Segment) error {
	if s := c.State(); s != StateClosed {
		return fmt.Errorf("%w: %s", ErrInvalidState, s)
	}
	c.setState(StateSynReceived)

	synAck := c.newSegment(FlagSYN|FlagACK, ServerISN, seqs.Add(syn.Seq, 1), nil)
	if err := c.sendSegment(synAck, frameControl); err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("%w: 发送 SYN-ACK 失败: %v", ErrConnectionFailed, err)
	}

	deadline := c.boundDeadline(ctx, time.Now().Add(c.config.HandshakeTimeout))
	ack, err := c.readSegment(deadline)
	if err != nil {
		c.setState(StateClosed)
		if errors.Is(err, errPollTimeout) {
			return fmt.Errorf("%w: 等待 ACK 超时", ErrConnectionFailed)
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	want := seqs.Add(ServerISN, 1)
	if ack.Flags != FlagACK || ack.Ack != want {
		c.setState(StateClosed)
		return fmt.Errorf("%w: 意外的握手确认 %s, 期望 ACK ack=%d", ErrConnectionFailed, ack, want)
	}

	c.sendNext = want
	c.recv = newReassembly(seqs.Add(syn.Seq, 1), c.config.RecvBufferSize)
	c.setState(StateEstablished)
	c.log.Info().Msg("连接已建立")
	return nil
}

// =============================================================================
// 收发边界
// =============================================================================

// newSegment 以本连接端口与通告窗口创建段
func (c *Conn) newSegment(flags Flags, seq, ack seqs.Value, payload []byte) *Segment {
	return NewSegment(c.localPort, c.remotePort, seq, ack, flags, c.config.RecvWindow, payload)
}

// sendSegment 编码并发送
func (c *Conn) sendSegment(seg *Segment, kind frameKind) error {
	frame, err := c.codec.Encode(seg)
	if err != nil {
		return err
	}
	return c.transmit(frame, kind)
}

// transmit 发送一帧，按类别施加故障注入
func (c *Conn) transmit(frame []byte, kind frameKind) error {
	out := frame
	switch kind {
	case frameData:
		if c.faults.ShouldLoseData() {
			atomic.AddUint64(&c.stats.InjectedLosses, 1)
			c.log.Debug().Msg("注入: 数据段丢失")
			return nil
		}
		if c.faults.ShouldCorruptData() {
			atomic.AddUint64(&c.stats.InjectedCorruptions, 1)
			c.log.Debug().Msg("注入: 数据段损坏")
			out = fault.Corrupt(frame)
		}
	case frameAck:
		if c.faults.ShouldLoseAck() {
			atomic.AddUint64(&c.stats.InjectedLosses, 1)
			c.log.Debug().Msg("注入: 确认丢失")
			return nil
		}
		if c.faults.ShouldCorruptAck() {
			atomic.AddUint64(&c.stats.InjectedCorruptions, 1)
			c.log.Debug().Msg("注入: 确认损坏")
			out = fault.Corrupt(frame)
		}
	}

	if _, err := c.pc.WriteTo(out, c.remoteAddr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrConnClosed
		}
		return fmt.Errorf("发送失败: %w", err)
	}

	atomic.AddUint64(&c.stats.SegmentsSent, 1)
	if c.tap != nil {
		c.tap.Capture(Outbound, c.localAddr, c.remoteAddr, out)
	}
	return nil
}

// sendAck 发送当前累积确认 (纯 ACK)
func (c *Conn) sendAck() error {
	ack := c.newSegment(FlagACK, c.sendNext, c.recv.ackNum(), nil)
	atomic.AddUint64(&c.stats.AcksSent, 1)
	return c.sendSegment(ack, frameAck)
}

// readSegment 读取下一个来自对端的段，其他地址的帧被忽略
// 返回 errPollTimeout 表示截止时间已到，损坏帧返回 ErrChecksumMismatch/ErrDecoding
func (c *Conn) readSegment(deadline time.Time) (*Segment, error) {
	for {
		if err := c.pc.SetReadDeadline(deadline); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrConnClosed
			}
			return nil, err
		}

		n, from, err := c.pc.ReadFrom(c.rbuf)
		if err != nil {
			if isTimeout(err) {
				return nil, errPollTimeout
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrConnClosed
			}
			return nil, fmt.Errorf("接收失败: %w", err)
		}
		if !sameAddr(from, c.remoteAddr) {
			continue
		}

		frame := c.rbuf[:n]
		atomic.AddUint64(&c.stats.SegmentsReceived, 1)
		if c.tap != nil {
			c.tap.Capture(Inbound, c.localAddr, c.remoteAddr, frame)
		}

		seg, err := c.codec.Decode(frame)
		if err != nil {
			atomic.AddUint64(&c.stats.ChecksumErrors, 1)
			return nil, err
		}
		if !Verify(seg) {
			atomic.AddUint64(&c.stats.ChecksumErrors, 1)
			c.log.Debug().Stringer("seg", seg).Msg("校验和错误，丢弃")
			return nil, ErrChecksumMismatch
		}
		if seg.Flags.Has(FlagRST) {
			return nil, ErrConnReset
		}
		return seg, nil
	}
}

// boundDeadline 截止时间不晚于 ctx 的截止时间
func (c *Conn) boundDeadline(ctx context.Context, d time.Time) time.Time {
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// =============================================================================
// 状态与统计
// =============================================================================

func (c *Conn) setState(s State) {
	old := State(atomic.SwapUint32(&c.state, uint32(s)))
	if old != s {
		c.log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("状态变更")
	}
}

// State 当前状态
func (c *Conn) State() State {
	return State(atomic.LoadUint32(&c.state))
}

// IsEstablished 是否已建立
func (c *Conn) IsEstablished() bool {
	return c.State() == StateEstablished
}

// LocalAddr 本地地址
func (c *Conn) LocalAddr() net.Addr {
	return c.localAddr
}

// RemoteAddr 对端地址
func (c *Conn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// SendNext 本端下一个偏移
func (c *Conn) SendNext() seqs.Value {
	return c.sendNext
}

// Expected 对端下一个期望偏移 (累积确认号)
func (c *Conn) Expected() seqs.Value {
	if c.recv == nil {
		return 0
	}
	return c.recv.ackNum()
}

// MSS 单段最大载荷
func (c *Conn) MSS() int {
	return c.codec.MSS()
}

// SetFaults 替换故障注入器
func (c *Conn) SetFaults(inj fault.Injector) {
	if inj == nil {
		inj = fault.None()
	}
	c.faults = inj
}

func (c *Conn) publishRTT() {
	atomic.StoreInt64((*int64)(&c.stats.SRTT), int64(c.rtt.GetSmoothedRTT()))
	atomic.StoreInt64((*int64)(&c.stats.RTTVar), int64(c.rtt.GetRTTVariance()))
	atomic.StoreInt64((*int64)(&c.stats.RTO), int64(c.rtt.GetRTO()))
}

// Stats 获取统计快照
func (c *Conn) Stats() Stats {
	return Stats{
		SegmentsSent:        atomic.LoadUint64(&c.stats.SegmentsSent),
		SegmentsReceived:    atomic.LoadUint64(&c.stats.SegmentsReceived),
		BytesSent:           atomic.LoadUint64(&c.stats.BytesSent),
		BytesReceived:       atomic.LoadUint64(&c.stats.BytesReceived),
		Retransmits:         atomic.LoadUint64(&c.stats.Retransmits),
		TimeoutRetransmits:  atomic.LoadUint64(&c.stats.TimeoutRetransmits),
		FastRetransmits:     atomic.LoadUint64(&c.stats.FastRetransmits),
		AcksSent:            atomic.LoadUint64(&c.stats.AcksSent),
		AcksReceived:        atomic.LoadUint64(&c.stats.AcksReceived),
		DupAcks:             atomic.LoadUint64(&c.stats.DupAcks),
		ChecksumErrors:      atomic.LoadUint64(&c.stats.ChecksumErrors),
		Duplicates:          atomic.LoadUint64(&c.stats.Duplicates),
		Buffered:            atomic.LoadUint64(&c.stats.Buffered),
		InjectedLosses:      atomic.LoadUint64(&c.stats.InjectedLosses),
		InjectedCorruptions: atomic.LoadUint64(&c.stats.InjectedCorruptions),
		Window:              atomic.LoadInt64(&c.stats.Window),
		SRTT:                time.Duration(atomic.LoadInt64((*int64)(&c.stats.SRTT))),
		RTTVar:              time.Duration(atomic.LoadInt64((*int64)(&c.stats.RTTVar))),
		RTO:                 time.Duration(atomic.LoadInt64((*int64)(&c.stats.RTO))),
		State:               c.State().String(),
	}
}

// GetStats 获取统计信息
func (c *Conn) GetStats() map[string]interface{} {
	s := c.Stats()
	return map[string]interface{}{
		"state":               s.State,
		"segments_sent":       s.SegmentsSent,
		"segments_received":   s.SegmentsReceived,
		"bytes_sent":          s.BytesSent,
		"bytes_received":      s.BytesReceived,
		"retransmits":         s.Retransmits,
		"fast_retransmits":    s.FastRetransmits,
		"dup_acks":            s.DupAcks,
		"checksum_errors":     s.ChecksumErrors,
		"injected_losses":     s.InjectedLosses,
		"injected_corruption": s.InjectedCorruptions,
		"window":              s.Window,
		"srtt_ms":             s.SRTT.Milliseconds(),
		"rto_ms":              s.RTO.Milliseconds(),
	}
}

// release 释放套接字 (仅当本连接占有时)
func (c *Conn) release() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		if c.ownsSocket {
			c.pc.Close()
		}
	})
}

// Abort 不经拆除直接关闭
func (c *Conn) Abort() {
	c.release()
}
