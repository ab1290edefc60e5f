// =============================================================================
// 文件: internal/transport/reassembly.go
// 描述: 可靠传输 - 接收重组缓冲区 (按偏移排序、去重、按序交付)
// =============================================================================
package transport

import (
	"bytes"

	"github.com/soypat/seqs"
)

// recvOutcome 段的处理结果
type recvOutcome uint8

const (
	recvAccepted  recvOutcome = iota // 按序接收 (可能合并了缓存段)
	recvBuffered                     // 乱序缓存
	recvDuplicate                    // 重复或过期
	recvDropped                      // 缓存已满
)

type pendingSegment struct {
	payload []byte
	fin     bool
}

// reassembly 接收重组缓冲区
// expected 在连接生命周期内单调递增，跨流保留
type reassembly struct {
	expected seqs.Value
	pending  map[seqs.Value]pendingSegment
	limit    int
	stream   bytes.Buffer
	complete bool
}

func newReassembly(expected seqs.Value, limit int) *reassembly {
	if limit <= 0 {
		limit = DefaultRecvBufferSize
	}
	return &reassembly{
		expected: expected,
		pending:  make(map[seqs.Value]pendingSegment),
		limit:    limit,
	}
}

// ackNum 当前累积确认号
func (r *reassembly) ackNum() seqs.Value {
	return r.expected
}

// skip 跳过非数据占用的序列空间 (请求等)
func (r *reassembly) skip(n seqs.Size) {
	r.expected.UpdateForward(n)
}

// insert 处理一个已通过校验的数据段
func (r *reassembly) insert(seg *Segment) recvOutcome {
	switch {
	case seqs.LessThan(seg.Seq, r.expected):
		return recvDuplicate

	case seg.Seq == r.expected:
		r.accept(seg.Payload, seg.Flags.Has(FlagFIN))
		// 合并已缓存的后续段
		for !r.complete {
			p, ok := r.pending[r.expected]
			if !ok {
				break
			}
			delete(r.pending, r.expected)
			r.accept(p.payload, p.fin)
		}
		if r.complete {
			r.pending = make(map[seqs.Value]pendingSegment)
		}
		return recvAccepted

	default:
		if _, ok := r.pending[seg.Seq]; ok {
			return recvDuplicate
		}
		if len(r.pending) >= r.limit {
			return recvDropped
		}
		r.pending[seg.Seq] = pendingSegment{
			payload: seg.Payload,
			fin:     seg.Flags.Has(FlagFIN),
		}
		return recvBuffered
	}
}

func (r *reassembly) accept(payload []byte, fin bool) {
	r.stream.Write(payload)
	r.expected.UpdateForward(seqs.Size(len(payload)))
	if fin {
		r.expected.UpdateForward(1)
		r.complete = true
	}
}

// done 是否已收到 FIN 之前的全部数据
func (r *reassembly) done() bool {
	return r.complete
}

// take 取出已完成的流并为下一个流复位
func (r *reassembly) take() []byte {
	out := make([]byte, r.stream.Len())
	copy(out, r.stream.Bytes())
	r.stream.Reset()
	r.complete = false
	return out
}

// pendingCount 缓存的乱序段数量
func (r *reassembly) pendingCount() int {
	return len(r.pending)
}
