// =============================================================================
// 文件: internal/transport/send_window.go
// 描述: 可靠传输 - 发送窗口 (滑动窗口 + 累积确认 + 快速重传)
// =============================================================================
package transport

import (
	"time"

	"github.com/soypat/seqs"

	"github.com/mrcgq/rdt/internal/congestion"
)

// outSegment 已入窗的待确认段
type outSegment struct {
	seg     *Segment
	frame   []byte
	sent    bool
	sentAt  time.Time
	retries int
}

func (o *outSegment) offset() seqs.Value {
	return o.seg.Seq
}

func (o *outSegment) end() seqs.Value {
	return o.seg.End()
}

// ackKind 确认分类
type ackKind uint8

const (
	ackStale     ackKind = iota // 早于发送基线或无待确认段
	ackFresh                    // 推进发送基线
	ackDuplicate                // 等于发送基线
	ackInvalid                  // 超出已发送范围
)

// ackOutcome 处理确认的结果
type ackOutcome struct {
	kind       ackKind
	rttSample  time.Duration
	hasSample  bool
	acked      int         // 被确认移除的段数
	retransmit *outSegment // 快速重传的段
}

// sendWindow 发送窗口，按偏移有序保存未确认段
// 仅由发送循环单协程访问
type sendWindow struct {
	base    seqs.Value
	next    seqs.Value
	unacked []*outSegment

	cwnd    *congestion.Window
	dupAcks int
}

func newSendWindow(start seqs.Value, cwnd *congestion.Window) *sendWindow {
	return &sendWindow{
		base: start,
		next: start,
		cwnd: cwnd,
	}
}

// canAdmit 窗口是否还能接纳新段
func (w *sendWindow) canAdmit() bool {
	return len(w.unacked) < w.cwnd.Size()
}

// admit 新段入窗，偏移必须等于 next
func (w *sendWindow) admit(o *outSegment) {
	w.unacked = append(w.unacked, o)
	w.next = o.end()
}

// unsent 尚未首次发送的段
func (w *sendWindow) unsent() []*outSegment {
	var out []*outSegment
	for _, o := range w.unacked {
		if !o.sent {
			out = append(out, o)
		}
	}
	return out
}

// earliest 最早的未确认段
func (w *sendWindow) earliest() *outSegment {
	if len(w.unacked) == 0 {
		return nil
	}
	return w.unacked[0]
}

func (w *sendWindow) empty() bool {
	return len(w.unacked) == 0
}

func (w *sendWindow) inFlight() int {
	return len(w.unacked)
}

// onTimeout 超时: 窗口减半，返回需重传的最早段
func (w *sendWindow) onTimeout() *outSegment {
	w.cwnd.OnLoss()
	w.dupAcks = 0
	return w.earliest()
}

// onAck 处理累积确认
func (w *sendWindow) onAck(ack seqs.Value, now time.Time) ackOutcome {
	if w.empty() {
		return ackOutcome{kind: ackStale}
	}

	// 重复 ACK
	if ack == w.base {
		w.dupAcks++
		out := ackOutcome{kind: ackDuplicate}
		if w.dupAcks >= FastRetransmitThreshold {
			w.dupAcks = 0
			w.cwnd.OnLoss()
			out.retransmit = w.earliest()
		}
		return out
	}

	if seqs.LessThan(ack, w.base) {
		return ackOutcome{kind: ackStale}
	}
	if seqs.LessThan(w.next, ack) {
		return ackOutcome{kind: ackInvalid}
	}

	// 新确认: 以旧基线段的发送时间采样 RTT
	out := ackOutcome{kind: ackFresh}
	if first := w.earliest(); first.sent {
		out.rttSample = now.Sub(first.sentAt)
		out.hasSample = true
	}

	// 清理被覆盖的段
	i := 0
	for i < len(w.unacked) && seqs.LessThanEq(w.unacked[i].end(), ack) {
		i++
	}
	out.acked = i
	w.unacked = w.unacked[i:]

	// 移动窗口
	w.base = ack
	w.dupAcks = 0
	w.cwnd.OnAck()

	return out
}
