// =============================================================================
// 文件: internal/transport/stream.go
// 描述: 可靠传输 - 流发送 (滑动窗口 ARQ) 与流接收 (重组 + 累积确认)
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/soypat/seqs"

	"github.com/mrcgq/rdt/internal/congestion"
)

// ChunkReader 分块数据源，耗尽时返回空切片 (或 io.EOF)
type ChunkReader interface {
	ReadChunk(max int) ([]byte, error)
}

// BytesSource 内存数据源
type BytesSource struct {
	data []byte
}

// NewBytesSource 创建内存数据源
func NewBytesSource(b []byte) *BytesSource {
	return &BytesSource{data: b}
}

// ReadChunk 读取至多 max 字节
func (s *BytesSource) ReadChunk(max int) ([]byte, error) {
	n := len(s.data)
	if n > max {
		n = max
	}
	chunk := s.data[:n]
	s.data = s.data[n:]
	return chunk, nil
}

// chunkFeed 预读一块以判断当前块是否为最后一块
type chunkFeed struct {
	src     ChunkReader
	max     int
	ahead   []byte
	started bool
	done    bool
}

func (f *chunkFeed) read() ([]byte, error) {
	chunk, err := f.src.ReadChunk(f.max)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取数据源失败: %w", err)
	}
	if len(chunk) > f.max {
		return nil, fmt.Errorf("%w: 数据块过大 %d > %d", ErrEncoding, len(chunk), f.max)
	}
	return chunk, nil
}

// next 返回下一块以及它是否为最后一块，空流返回一个空的最后块
func (f *chunkFeed) next() (chunk []byte, last bool, err error) {
	if !f.started {
		f.started = true
		if f.ahead, err = f.read(); err != nil {
			return nil, false, err
		}
	}
	chunk = f.ahead
	if f.ahead, err = f.read(); err != nil {
		return nil, false, err
	}
	if len(f.ahead) == 0 {
		f.done = true
	}
	return chunk, f.done, nil
}

func (f *chunkFeed) exhausted() bool {
	return f.done
}

// =============================================================================
// 发送
// =============================================================================

// SendBytes 可靠发送一段内存数据
func (c *Conn) SendBytes(ctx context.Context, data []byte) error {
	return c.SendStream(ctx, NewBytesSource(data))
}

// SendStream 以滑动窗口可靠发送整个数据流，最后一段携带 FIN
// 单协程循环: 填充窗口 → 发送 → 检查定时器 → 读取确认
// 超时只触发重传；仅当对端在 IdleLimit·RecvTimeout 内没有任何帧 (含损坏帧) 到达时
// 视为对端失联，返回 ErrConnTimeout
func (c *Conn) SendStream(ctx context.Context, src ChunkReader) error {
	if s := c.State(); s != StateEstablished {
		return fmt.Errorf("%w: %s", ErrConnNotReady, s)
	}

	cwnd := congestion.NewWindow(c.config.InitialWindow, c.config.MaxWindow)
	w := newSendWindow(c.sendNext, cwnd)
	feed := &chunkFeed{src: src, max: c.codec.MSS()}
	timer := NewTimer()
	silence := c.silenceLimit()
	lastHeard := time.Now()
	defer func() {
		c.sendNext = w.next
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// 填充窗口
		for w.canAdmit() && !feed.exhausted() {
			chunk, last, err := feed.next()
			if err != nil {
				return err
			}
			var flags Flags
			if last {
				flags = FlagFIN
			}
			seg := c.newSegment(flags, w.next, c.recv.ackNum(), chunk)
			frame, err := c.codec.Encode(seg)
			if err != nil {
				return err
			}
			w.admit(&outSegment{seg: seg, frame: frame})
		}

		// 发送新入窗的段
		for _, o := range w.unsent() {
			if err := c.transmit(o.frame, frameData); err != nil {
				return err
			}
			o.sent = true
			o.sentAt = time.Now()
			atomic.AddUint64(&c.stats.BytesSent, uint64(len(o.seg.Payload)))
			if timer.State() == TimerIdle {
				timer.Start(c.rtt.GetRTO())
			}
		}

		if w.empty() && feed.exhausted() {
			break
		}

		// 超时重传
		if timer.Expired() {
			if quiet := time.Since(lastHeard); quiet >= silence {
				c.log.Warn().Dur("silence", quiet).Msg("对端无响应")
				return fmt.Errorf("%w: 对端 %v 内无任何帧", ErrConnTimeout, quiet.Round(time.Millisecond))
			}
			o := w.onTimeout()
			if err := c.retransmit(o); err != nil {
				return err
			}
			atomic.AddUint64(&c.stats.TimeoutRetransmits, 1)
			atomic.StoreInt64(&c.stats.Window, int64(cwnd.Size()))
			c.log.Debug().Stringer("seg", o.seg).Int("window", cwnd.Size()).Msg("超时重传")
			timer.Start(c.rtt.GetRTO())
		}

		// 读取确认
		deadline := time.Now().Add(c.config.PollInterval)
		if d, ok := timer.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		seg, err := c.readSegment(c.boundDeadline(ctx, deadline))
		switch {
		case err == nil:
			lastHeard = time.Now()
		case isCorrupt(err):
			lastHeard = time.Now()
			continue
		case errors.Is(err, errPollTimeout):
			continue
		default:
			return err
		}

		if !seg.IsPureAck() {
			if err := c.answerPeer(seg); err != nil {
				return err
			}
			continue
		}

		atomic.AddUint64(&c.stats.AcksReceived, 1)
		now := time.Now()
		out := w.onAck(seg.Ack, now)
		switch out.kind {
		case ackFresh:
			if out.hasSample {
				c.rtt.Update(out.rttSample)
				c.publishRTT()
			}
			atomic.StoreInt64(&c.stats.Window, int64(cwnd.Size()))
			if w.empty() {
				timer.Stop()
			} else {
				timer.Start(c.rtt.GetRTO())
			}

		case ackDuplicate:
			atomic.AddUint64(&c.stats.DupAcks, 1)
			if out.retransmit != nil {
				if err := c.retransmit(out.retransmit); err != nil {
					return err
				}
				atomic.AddUint64(&c.stats.FastRetransmits, 1)
				atomic.StoreInt64(&c.stats.Window, int64(cwnd.Size()))
				c.log.Debug().Stringer("seg", out.retransmit.seg).Int("window", cwnd.Size()).Msg("快速重传")
				timer.Start(c.rtt.GetRTO())
			}
		}
	}

	atomic.StoreInt64(&c.stats.Window, int64(cwnd.Size()))
	c.log.Debug().Int("window", cwnd.Size()).Msg("流发送完成")
	return nil
}

// silenceLimit 发送方判定对端失联前允许的最长静默
func (c *Conn) silenceLimit() time.Duration {
	limit := c.config.RecvTimeout * time.Duration(c.config.IdleLimit)
	if limit <= 0 {
		limit = DefaultRecvTimeout * DefaultIdleLimit
	}
	return limit
}

// retransmit 重发一个已入窗的段，并以重发时间作为新的采样起点
func (c *Conn) retransmit(o *outSegment) error {
	if o == nil {
		return nil
	}
	if err := c.transmit(o.frame, frameData); err != nil {
		return err
	}
	o.sent = true
	o.sentAt = time.Now()
	o.retries++
	atomic.AddUint64(&c.stats.Retransmits, 1)
	return nil
}

// =============================================================================
// 接收
// =============================================================================

// ReceiveStream 接收一个完整数据流 (直到 FIN)，每个数据段都回复累积确认
// 连续 IdleLimit 次接收超时返回 ErrConnTimeout
func (c *Conn) ReceiveStream(ctx context.Context) ([]byte, error) {
	if s := c.State(); s != StateEstablished {
		return nil, fmt.Errorf("%w: %s", ErrConnNotReady, s)
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
				return nil, fmt.Errorf("%w: 连续 %d 次接收超时", ErrConnTimeout, idle)
			}
			continue
		case isCorrupt(err):
			// 丢弃并重发当前累积确认
			if err := c.sendAck(); err != nil {
				return nil, err
			}
			continue
		default:
			return nil, err
		}
		idle = 0

		if !seg.IsData() {
			if err := c.answerPeer(seg); err != nil {
				return nil, err
			}
			continue
		}

		switch c.recv.insert(seg) {
		case recvAccepted:
			atomic.AddUint64(&c.stats.BytesReceived, uint64(len(seg.Payload)))
		case recvBuffered:
			atomic.AddUint64(&c.stats.Buffered, 1)
		case recvDuplicate:
			atomic.AddUint64(&c.stats.Duplicates, 1)
		case recvDropped:
			c.log.Debug().Stringer("seg", seg).Msg("乱序缓存已满，丢弃")
		}

		if err := c.sendAck(); err != nil {
			return nil, err
		}

		if c.recv.done() {
			data := c.recv.take()
			c.log.Debug().Int("bytes", len(data)).Msg("流接收完成")
			return data, nil
		}
	}
}

// answerPeer 处理当前循环不关心的帧: 过期数据重新确认，重复请求重发应答
// 发送期间到达的新请求暂存，由 NextRequest 取出
func (c *Conn) answerPeer(seg *Segment) error {
	expected := c.recv.ackNum()
	switch {
	case seg.IsData():
		if seqs.LessThan(seg.Seq, expected) {
			atomic.AddUint64(&c.stats.Duplicates, 1)
			return c.sendAck()
		}
	case seg.IsRequest():
		if seg.Seq == expected {
			c.pendingReq = seg
			return nil
		}
		if c.lastResponse != nil && seqs.LessThan(seg.Seq, expected) {
			return c.transmit(c.lastResponse, frameControl)
		}
	}
	return nil
}
