// =============================================================================
// 文件: internal/transport/window_test.go
// 描述: 发送窗口与接收重组测试
// =============================================================================
package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/soypat/seqs"

	"github.com/mrcgq/rdt/internal/congestion"
)

func admitData(w *sendWindow, payload []byte, fin bool) *outSegment {
	var flags Flags
	if fin {
		flags = FlagFIN
	}
	seg := NewSegment(1, 2, w.next, 0, flags, 0, payload)
	o := &outSegment{seg: seg}
	w.admit(o)
	return o
}

func TestSendWindowGrowth(t *testing.T) {
	cwnd := congestion.NewWindow(1, 64)
	w := newSendWindow(1, cwnd)
	now := time.Now()

	// 三个段: MSS, MSS, 1 字节 + FIN，每次只能入窗 cwnd 个
	sizes := []int{DefaultMSS, DefaultMSS, 1}
	for i, n := range sizes {
		if !w.canAdmit() {
			t.Fatalf("第 %d 段: 窗口应可接纳", i)
		}
		o := admitData(w, make([]byte, n), i == len(sizes)-1)
		o.sent, o.sentAt = true, now

		out := w.onAck(o.end(), now.Add(10*time.Millisecond))
		if out.kind != ackFresh {
			t.Fatalf("第 %d 段: 期望新确认, got %d", i, out.kind)
		}
		if !out.hasSample || out.rttSample != 10*time.Millisecond {
			t.Errorf("第 %d 段: RTT 采样不正确: %v", i, out.rttSample)
		}
	}

	if cwnd.Size() != 4 {
		t.Errorf("窗口应增长到 4: got %d", cwnd.Size())
	}
	if !w.empty() {
		t.Error("全部确认后窗口应为空")
	}
	if want := seqs.Value(1 + 2*DefaultMSS + 1 + 1); w.base != want {
		t.Errorf("发送基线不正确: got %d, want %d", w.base, want)
	}
}

func TestSendWindowAdmissionBound(t *testing.T) {
	cwnd := congestion.NewWindow(2, 64)
	w := newSendWindow(0, cwnd)

	admitData(w, []byte("a"), false)
	admitData(w, []byte("b"), false)
	if w.canAdmit() {
		t.Error("未确认段数达到窗口后不应再接纳")
	}

	w.onTimeout()
	if cwnd.Size() != 1 {
		t.Errorf("超时后窗口应减半: got %d", cwnd.Size())
	}
	if w.canAdmit() {
		t.Error("窗口缩小后应先排空")
	}
}

func TestSendWindowTripleDuplicateAck(t *testing.T) {
	cwnd := congestion.NewWindow(4, 64)
	w := newSendWindow(100, cwnd)
	now := time.Now()

	first := admitData(w, []byte("first"), false)
	admitData(w, []byte("second"), false)
	admitData(w, []byte("third"), true)
	for _, o := range w.unsent() {
		o.sent, o.sentAt = true, now
	}

	for i := 1; i <= 2; i++ {
		out := w.onAck(100, now)
		if out.kind != ackDuplicate || out.retransmit != nil {
			t.Fatalf("第 %d 个重复确认不应触发重传", i)
		}
	}

	out := w.onAck(100, now)
	if out.kind != ackDuplicate || out.retransmit != first {
		t.Fatal("第 3 个重复确认应重传基线段")
	}
	if cwnd.Size() != 2 {
		t.Errorf("快速重传后窗口应减半: got %d", cwnd.Size())
	}
	if w.dupAcks != 0 {
		t.Errorf("重复计数应归零: got %d", w.dupAcks)
	}

	// 计数重新开始
	if out := w.onAck(100, now); out.retransmit != nil {
		t.Error("计数归零后第 1 个重复确认不应触发重传")
	}
}

func TestSendWindowStaleAndInvalidAck(t *testing.T) {
	cwnd := congestion.NewWindow(4, 64)
	w := newSendWindow(10, cwnd)
	admitData(w, []byte("abcd"), false)

	if out := w.onAck(5, time.Now()); out.kind != ackStale {
		t.Errorf("早于基线的确认应视为过期: got %d", out.kind)
	}
	if out := w.onAck(100, time.Now()); out.kind != ackInvalid {
		t.Errorf("超出已发送范围的确认应无效: got %d", out.kind)
	}
	if w.base != 10 || cwnd.Size() != 4 {
		t.Error("无效确认不应改变窗口状态")
	}
}

func TestSendWindowModularCompare(t *testing.T) {
	cwnd := congestion.NewWindow(4, 64)
	start := seqs.Value(0xFFFFFFF0)
	w := newSendWindow(start, cwnd)
	o := admitData(w, make([]byte, 32), false)
	o.sent, o.sentAt = true, time.Now()

	out := w.onAck(o.end(), time.Now())
	if out.kind != ackFresh {
		t.Fatalf("回绕后的确认应为新确认: got %d", out.kind)
	}
	if w.base != seqs.Value(0x10) {
		t.Errorf("回绕后的基线不正确: got %#x", uint32(w.base))
	}
}

func TestReassemblyInOrder(t *testing.T) {
	r := newReassembly(1, 16)

	if out := r.insert(NewSegment(0, 0, 1, 0, 0, 0, []byte("hello "))); out != recvAccepted {
		t.Fatalf("按序段应被接收: got %d", out)
	}
	if out := r.insert(NewSegment(0, 0, 7, 0, FlagFIN, 0, []byte("world"))); out != recvAccepted {
		t.Fatalf("按序段应被接收: got %d", out)
	}
	if !r.done() {
		t.Fatal("收到 FIN 后流应完成")
	}
	if r.ackNum() != 13 {
		t.Errorf("累积确认号不正确: got %d, want 13", r.ackNum())
	}
	if got := r.take(); string(got) != "hello world" {
		t.Errorf("交付数据不正确: got %q", got)
	}
}

func TestReassemblyOutOfOrderAndDuplicates(t *testing.T) {
	r := newReassembly(0, 16)
	data := []byte("abcdefghijkl")
	segs := []*Segment{
		NewSegment(0, 0, 0, 0, 0, 0, data[0:4]),
		NewSegment(0, 0, 4, 0, 0, 0, data[4:8]),
		NewSegment(0, 0, 8, 0, FlagFIN, 0, data[8:12]),
	}

	var acks []seqs.Value
	order := []int{2, 1, 1, 2, 0, 0}
	for _, i := range order {
		r.insert(segs[i])
		acks = append(acks, r.ackNum())
	}

	// 累积确认号单调不减
	for i := 1; i < len(acks); i++ {
		if seqs.LessThan(acks[i], acks[i-1]) {
			t.Errorf("确认号回退: %v", acks)
		}
	}
	if !r.done() {
		t.Fatal("全部到达后流应完成")
	}
	if got := r.take(); !bytes.Equal(got, data) {
		t.Errorf("交付数据不正确: got %q, want %q", got, data)
	}
	if r.pendingCount() != 0 {
		t.Errorf("完成后缓存应清空: got %d", r.pendingCount())
	}

	// 完成后的重传段是过期段
	if out := r.insert(segs[1]); out != recvDuplicate {
		t.Errorf("过期段应视为重复: got %d", out)
	}
}

func TestReassemblyBufferLimit(t *testing.T) {
	r := newReassembly(0, 2)

	r.insert(NewSegment(0, 0, 10, 0, 0, 0, []byte("a")))
	r.insert(NewSegment(0, 0, 20, 0, 0, 0, []byte("b")))
	if out := r.insert(NewSegment(0, 0, 30, 0, 0, 0, []byte("c"))); out != recvDropped {
		t.Errorf("缓存已满应丢弃: got %d", out)
	}
	if out := r.insert(NewSegment(0, 0, 10, 0, 0, 0, []byte("a"))); out != recvDuplicate {
		t.Errorf("已缓存的偏移应视为重复: got %d", out)
	}
}

func TestReassemblyEmptyStream(t *testing.T) {
	r := newReassembly(2, 16)
	r.insert(NewSegment(0, 0, 2, 0, FlagFIN, 0, nil))

	if !r.done() {
		t.Fatal("空 FIN 段应完成流")
	}
	if got := r.take(); len(got) != 0 {
		t.Errorf("空流应交付空数据: got %q", got)
	}
	if r.ackNum() != 3 {
		t.Errorf("FIN 应占用一个序号: got %d", r.ackNum())
	}
}

func BenchmarkReassemblyInsert(b *testing.B) {
	payload := make([]byte, DefaultMSS)
	r := newReassembly(0, 512)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.insert(NewSegment(0, 0, r.ackNum(), 0, 0, 0, payload))
		if r.stream.Len() > 1<<20 {
			r.stream.Reset()
		}
	}
}
