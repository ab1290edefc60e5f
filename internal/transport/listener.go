// =============================================================================
// 文件: internal/transport/listener.go
// 描述: 可靠传输 - 被动端监听器 (等待 SYN，对未知来源的非 SYN 帧回复 RST)
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

	"github.com/mrcgq/rdt/internal/fault"
)

// Listener 监听器，同一时刻只服务一个连接
type Listener struct {
	pc    net.PacketConn
	opts  Options
	codec Codec
	log   zerolog.Logger
	rbuf  []byte

	mu sync.Mutex

	// 统计
	totalConns        uint64
	handshakeFailures uint64
	resetsSent        uint64
	ignored           uint64

	closeOnce sync.Once
}

// Listen 绑定地址并创建监听器，绑定失败返回 *BindError
func Listen(address string, opts Options) (*Listener, error) {
	pc, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, &BindError{Addr: address, Err: err}
	}
	return NewListener(pc, opts), nil
}

// NewListener 在已有套接字上创建监听器 (监听器占有套接字)
func NewListener(pc net.PacketConn, opts Options) *Listener {
	opts = opts.withDefaults()
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Listener{
		pc:    pc,
		opts:  opts,
		codec: NewCodec(opts.Config.FrameSize),
		log:   logger.With().Str("listen", pc.LocalAddr().String()).Logger(),
		rbuf:  make([]byte, 64*1024),
	}
}

// Addr 监听地址
func (l *Listener) Addr() net.Addr {
	return l.pc.LocalAddr()
}

// SetFaults 设置后续连接使用的故障注入器
func (l *Listener) SetFaults(inj fault.Injector) {
	if inj == nil {
		inj = fault.None()
	}
	l.mu.Lock()
	l.opts.Faults = inj
	l.mu.Unlock()
}

func (l *Listener) options() Options {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts
}

// Accept 在 RecvTimeout 内等待一个 SYN 并完成握手
// 超时返回 ErrIdle；握手失败返回 ErrConnectionFailed，监听器可继续使用
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	deadline := time.Now().Add(l.opts.Config.RecvTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(deadline) {
		deadline = cd
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := l.pc.SetReadDeadline(deadline); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrConnClosed
			}
			return nil, err
		}

		n, from, err := l.pc.ReadFrom(l.rbuf)
		if err != nil {
			if isTimeout(err) {
				return nil, ErrIdle
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrConnClosed
			}
			return nil, fmt.Errorf("接收失败: %w", err)
		}

		opts := l.options()
		if opts.Tap != nil {
			opts.Tap.Capture(Inbound, l.pc.LocalAddr(), from, l.rbuf[:n])
		}

		seg, err := l.codec.Decode(l.rbuf[:n])
		if err != nil || !Verify(seg) {
			atomic.AddUint64(&l.ignored, 1)
			continue
		}

		// 新连接: 必须是 SYN
		if seg.Flags != FlagSYN {
			atomic.AddUint64(&l.ignored, 1)
			if !seg.Flags.Has(FlagRST) && !seg.IsPureAck() {
				l.sendReset(from, seg)
			}
			continue
		}

		c := newConn(l.pc, from, opts, false)
		if err := c.accept(ctx, seg); err != nil {
			atomic.AddUint64(&l.handshakeFailures, 1)
			l.log.Warn().Err(err).Str("peer", from.String()).Msg("握手失败")
			return nil, err
		}
		atomic.AddUint64(&l.totalConns, 1)
		return c, nil
	}
}

// sendReset 对未知来源的非 SYN 帧回复 RST
func (l *Listener) sendReset(to net.Addr, seg *Segment) {
	rst := NewSegment(portOf(l.pc.LocalAddr()), portOf(to), 0, seg.End(), FlagRST, l.opts.Config.RecvWindow, nil)
	frame, err := l.codec.Encode(rst)
	if err != nil {
		return
	}
	if _, err := l.pc.WriteTo(frame, to); err != nil {
		return
	}
	atomic.AddUint64(&l.resetsSent, 1)
	if tap := l.options().Tap; tap != nil {
		tap.Capture(Outbound, l.pc.LocalAddr(), to, frame)
	}
	l.log.Debug().Str("peer", to.String()).Stringer("seg", seg).Msg("非 SYN 帧来自未知连接，回复 RST")
}

// Close 关闭监听套接字
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.pc.Close()
	})
	return err
}

// GetStats 获取统计
func (l *Listener) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_conns":        atomic.LoadUint64(&l.totalConns),
		"handshake_failures": atomic.LoadUint64(&l.handshakeFailures),
		"resets_sent":        atomic.LoadUint64(&l.resetsSent),
		"ignored":            atomic.LoadUint64(&l.ignored),
	}
}
