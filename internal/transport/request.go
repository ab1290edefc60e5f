// =============================================================================
// 文件: internal/transport/request.go
// 描述: 可靠传输 - 请求/应答交换与连接拆除
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/soypat/seqs"
)

// Request 对端发来的请求
type Request struct {
	Name     string
	Teardown bool // 携带 FIN 的退出请求
}

// Request 发送请求并等待应答 (ACK|REQ，被拒绝时带 NAK)
// 超时重发，最多 MaxRetries 次；被拒绝返回 ErrInvalidRequest，连接保持可用
func (c *Conn) Request(ctx context.Context, name string) error {
	if s := c.State(); s != StateEstablished {
		return fmt.Errorf("%w: %s", ErrConnNotReady, s)
	}

	req := c.newSegment(FlagREQ, c.sendNext, c.recv.ackNum(), []byte(name))
	frame, err := c.codec.Encode(req)
	if err != nil {
		return err
	}
	want := req.End()

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			atomic.AddUint64(&c.stats.Retransmits, 1)
			c.log.Debug().Str("request", name).Int("attempt", attempt).Msg("请求重发")
		}
		if err := c.transmit(frame, frameControl); err != nil {
			return err
		}

		resp, err := c.awaitResponse(ctx, want, time.Now().Add(c.rtt.GetRTO()))
		if errors.Is(err, errPollTimeout) {
			continue
		}
		if err != nil {
			return err
		}

		c.sendNext = want
		if resp.Flags.Has(FlagNAK) {
			c.log.Warn().Str("request", name).Msg("请求被拒绝")
			return fmt.Errorf("%w: %q", ErrInvalidRequest, name)
		}
		c.log.Debug().Str("request", name).Msg("请求已确认")
		return nil
	}

	return fmt.Errorf("%w: 请求 %q 无应答", ErrConnTimeout, name)
}

// awaitResponse 等待确认号为 want 的请求应答
func (c *Conn) awaitResponse(ctx context.Context, want seqs.Value, deadline time.Time) (*Segment, error) {
	for {
		seg, err := c.readSegment(c.boundDeadline(ctx, deadline))
		switch {
		case err == nil:
		case isCorrupt(err):
			continue
		default:
			return nil, err
		}

		if seg.IsResponse() && seg.Ack == want {
			return seg, nil
		}
		if err := c.answerPeer(seg); err != nil {
			return nil, err
		}
	}
}

// NextRequest 等待对端的下一个请求
// 连续 IdleLimit 次接收超时返回 ErrIdle
func (c *Conn) NextRequest(ctx context.Context) (*Request, error) {
	if s := c.State(); s != StateEstablished {
		return nil, fmt.Errorf("%w: %s", ErrConnNotReady, s)
	}

	if seg := c.pendingReq; seg != nil {
		c.pendingReq = nil
		return c.consumeRequest(seg), nil
	}

	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		seg, err := c.readSegment(c.boundDeadline(ctx, time.Now().Add(c.config.RecvTimeout)))
		switch {
		case err == nil:
		case errors.Is(err, errPollTimeout):
			idle++
			if idle >= c.config.IdleLimit {
				return nil, fmt.Errorf("%w: 连续 %d 次未收到请求", ErrIdle, idle)
			}
			continue
		case isCorrupt(err):
			continue
		default:
			return nil, err
		}
		idle = 0

		if seg.IsRequest() && seg.Seq == c.recv.ackNum() {
			return c.consumeRequest(seg), nil
		}
		if err := c.answerPeer(seg); err != nil {
			return nil, err
		}
	}
}

func (c *Conn) consumeRequest(seg *Segment) *Request {
	c.recv.skip(seg.SeqLen())
	r := &Request{
		Name:     string(seg.Payload),
		Teardown: seg.Flags.Has(FlagFIN),
	}
	c.log.Debug().Str("request", r.Name).Bool("teardown", r.Teardown).Msg("收到请求")
	return r
}

// Respond 应答最近一次请求，accepted=false 时附带 NAK
func (c *Conn) Respond(accepted bool) error {
	flags := FlagACK | FlagREQ
	if !accepted {
		flags |= FlagNAK
	}
	resp := c.newSegment(flags, c.sendNext, c.recv.ackNum(), nil)
	frame, err := c.codec.Encode(resp)
	if err != nil {
		return err
	}
	c.lastResponse = frame
	return c.transmit(frame, frameControl)
}

// =============================================================================
// 拆除
// =============================================================================

// Close 主动拆除: 发送 FIN|REQ("exit")，等待对端的确认与 FIN，回复 ACK 后关闭
// 不重试；超时后仍然关闭套接字并返回 ErrTeardownFailed
func (c *Conn) Close(ctx context.Context) error {
	if c.State() != StateEstablished {
		c.release()
		return nil
	}
	c.setState(StateClosing)
	defer c.release()

	fin := c.newSegment(FlagFIN|FlagREQ, c.sendNext, c.recv.ackNum(), []byte(RequestExit))
	if err := c.sendSegment(fin, frameControl); err != nil {
		return fmt.Errorf("%w: %v", ErrTeardownFailed, err)
	}
	want := fin.End()
	c.sendNext = want

	gotAck, gotFin := false, false
	deadline := c.boundDeadline(ctx, time.Now().Add(c.config.TeardownTimeout))
	for !(gotAck && gotFin) {
		seg, err := c.readSegment(deadline)
		switch {
		case err == nil:
		case isCorrupt(err):
			continue
		case errors.Is(err, errPollTimeout):
			c.log.Warn().Bool("ack", gotAck).Bool("fin", gotFin).Msg("拆除未完成")
			return fmt.Errorf("%w: ack=%v fin=%v", ErrTeardownFailed, gotAck, gotFin)
		default:
			return fmt.Errorf("%w: %v", ErrTeardownFailed, err)
		}

		switch {
		case seg.IsResponse() && seg.Ack == want:
			gotAck = true
		case isTeardownFin(seg):
			// 对端的 FIN 只接受恰好位于期望偏移处的一个；重复的 FIN 仅重新确认
			switch {
			case seg.Seq == c.recv.ackNum():
				gotFin = true
				c.recv.skip(seg.SeqLen())
			case seg.End() != c.recv.ackNum():
				continue
			}
			gotAck = gotAck || seg.Ack == want
			ack := c.newSegment(FlagACK, c.sendNext, c.recv.ackNum(), nil)
			if err := c.sendSegment(ack, frameControl); err != nil {
				return fmt.Errorf("%w: %v", ErrTeardownFailed, err)
			}
		default:
			if err := c.answerPeer(seg); err != nil {
				return fmt.Errorf("%w: %v", ErrTeardownFailed, err)
			}
		}
	}

	c.log.Info().Msg("连接已关闭")
	return nil
}

// isTeardownFin 是否为被动端拆除时发送的 FIN|ACK (无载荷)
// 流末尾的数据段只带 FIN，不会被误认
func isTeardownFin(seg *Segment) bool {
	return seg.Flags == FlagFIN|FlagACK && len(seg.Payload) == 0
}

// AcceptTeardown 被动拆除: 确认退出请求，发送本端 FIN，等待对端 ACK 后关闭
// 对端未确认时在 TeardownTimeout 后关闭并返回 ErrTeardownFailed
func (c *Conn) AcceptTeardown(ctx context.Context) error {
	c.setState(StateClosing)
	defer c.release()

	if err := c.Respond(true); err != nil {
		return fmt.Errorf("%w: %v", ErrTeardownFailed, err)
	}

	fin := c.newSegment(FlagFIN|FlagACK, c.sendNext, c.recv.ackNum(), nil)
	finFrame, err := c.codec.Encode(fin)
	if err != nil {
		return err
	}
	if err := c.transmit(finFrame, frameControl); err != nil {
		return fmt.Errorf("%w: %v", ErrTeardownFailed, err)
	}
	want := fin.End()
	c.sendNext = want

	deadline := c.boundDeadline(ctx, time.Now().Add(c.config.TeardownTimeout))
	for {
		seg, err := c.readSegment(deadline)
		switch {
		case err == nil:
		case isCorrupt(err):
			continue
		case errors.Is(err, errPollTimeout):
			c.log.Warn().Msg("拆除未完成: 未收到最终 ACK")
			return fmt.Errorf("%w: 未收到最终 ACK", ErrTeardownFailed)
		default:
			return fmt.Errorf("%w: %v", ErrTeardownFailed, err)
		}

		if seg.IsPureAck() && seg.Ack == want {
			c.log.Info().Msg("连接已关闭")
			return nil
		}
		// 重复的退出请求: 重发应答与 FIN
		if seg.IsRequest() && seg.Flags.Has(FlagFIN) {
			if err := c.transmit(c.lastResponse, frameControl); err != nil {
				return fmt.Errorf("%w: %v", ErrTeardownFailed, err)
			}
			if err := c.transmit(finFrame, frameControl); err != nil {
				return fmt.Errorf("%w: %v", ErrTeardownFailed, err)
			}
		}
	}
}
