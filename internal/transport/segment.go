// =============================================================================
// 文件: internal/transport/segment.go
// 描述: 可靠传输 - 段编解码与校验和
// =============================================================================
package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/soypat/seqs"
)

// Segment 传输段
type Segment struct {
	SrcPort   uint16     // 源端口
	DstPort   uint16     // 目的端口
	Seq       seqs.Value // 字节偏移 (序列号)
	Ack       seqs.Value // 累积确认号
	HeaderLen uint8      // 头长度 (固定 18)
	Flags     Flags      // 标志位
	Window    uint16     // 通告接收窗口
	Checksum  uint16     // 反码校验和
	Payload   []byte     // 有效载荷
}

// NewSegment 创建段并填充校验和
func NewSegment(src, dst uint16, seq, ack seqs.Value, flags Flags, window uint16, payload []byte) *Segment {
	s := &Segment{
		SrcPort:   src,
		DstPort:   dst,
		Seq:       seq,
		Ack:       ack,
		HeaderLen: HeaderSize,
		Flags:     flags,
		Window:    window,
	}
	if len(payload) > 0 {
		s.Payload = make([]byte, len(payload))
		copy(s.Payload, payload)
	}
	s.Checksum = Checksum(s)
	return s
}

// SeqLen 段在序列空间中占用的长度 (SYN/FIN 各占 1)
func (s *Segment) SeqLen() seqs.Size {
	n := seqs.Size(len(s.Payload))
	if s.Flags&(FlagSYN|FlagFIN) != 0 {
		n++
	}
	return n
}

// End 段之后的下一个偏移
func (s *Segment) End() seqs.Value {
	return seqs.Add(s.Seq, s.SeqLen())
}

// IsPureAck 是否为纯 ACK (无载荷，无其他控制位)
func (s *Segment) IsPureAck() bool {
	return s.Flags == FlagACK
}

// IsData 是否为数据段 (标志为空或仅 FIN)
func (s *Segment) IsData() bool {
	return s.Flags&^FlagFIN == 0
}

// IsRequest 是否为请求 (不含应答)
func (s *Segment) IsRequest() bool {
	return s.Flags.Has(FlagREQ) && s.Flags&FlagACK == 0
}

// IsResponse 是否为请求应答
func (s *Segment) IsResponse() bool {
	return s.Flags.Has(FlagREQ | FlagACK)
}

func (s *Segment) String() string {
	return fmt.Sprintf("[%s seq=%d ack=%d len=%d]", s.Flags, s.Seq, s.Ack, len(s.Payload))
}

// carryAdd 16 位反码加法 (回卷进位)
func carryAdd(sum uint32, v uint16) uint32 {
	sum += uint32(v)
	return (sum & 0xFFFF) + (sum >> 16)
}

// Checksum 计算段的 16 位反码校验和
// 覆盖: 端口、序列号与确认号的高低 16 位、头长度<<8|标志、窗口、载荷 (奇数长度末尾补零)
func Checksum(s *Segment) uint16 {
	var sum uint32
	sum = carryAdd(sum, s.SrcPort)
	sum = carryAdd(sum, s.DstPort)
	sum = carryAdd(sum, uint16(s.Seq>>16))
	sum = carryAdd(sum, uint16(s.Seq))
	sum = carryAdd(sum, uint16(s.Ack>>16))
	sum = carryAdd(sum, uint16(s.Ack))
	sum = carryAdd(sum, uint16(s.HeaderLen)<<8|uint16(s.Flags))
	sum = carryAdd(sum, s.Window)
	sum = checksumBytes(sum, s.Payload)
	return ^uint16(sum)
}

func checksumBytes(sum uint32, p []byte) uint32 {
	for len(p) >= 2 {
		sum = carryAdd(sum, binary.BigEndian.Uint16(p))
		p = p[2:]
	}
	if len(p) == 1 {
		sum = carryAdd(sum, uint16(p[0])<<8)
	}
	return sum
}

// Verify 重新计算校验和并与段中携带的值比较
func Verify(s *Segment) bool {
	return Checksum(s) == s.Checksum
}

// Codec 段编解码器
type Codec struct {
	mss int
}

// NewCodec 创建编解码器，frameSize 为整帧上限
func NewCodec(frameSize int) Codec {
	if frameSize <= HeaderSize {
		frameSize = DefaultFrameSize
	}
	return Codec{mss: frameSize - HeaderSize}
}

// MSS 最大载荷
func (c Codec) MSS() int {
	return c.mss
}

// FrameSize 整帧上限
func (c Codec) FrameSize() int {
	return c.mss + HeaderSize
}

// Encode 编码段
func (c Codec) Encode(s *Segment) ([]byte, error) {
	if len(s.Payload) > c.mss {
		return nil, fmt.Errorf("%w: 载荷过大 %d > %d", ErrEncoding, len(s.Payload), c.mss)
	}

	buf := make([]byte, HeaderSize+len(s.Payload))

	// 编码头部
	binary.BigEndian.PutUint16(buf[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], s.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.Seq))
	binary.BigEndian.PutUint32(buf[8:12], uint32(s.Ack))
	buf[12] = s.HeaderLen
	buf[13] = byte(s.Flags)
	binary.BigEndian.PutUint16(buf[14:16], s.Window)
	binary.BigEndian.PutUint16(buf[16:18], s.Checksum)

	// 编码数据
	copy(buf[HeaderSize:], s.Payload)

	return buf, nil
}

// Decode 解码段 (不校验校验和，载荷为副本)
func (c Codec) Decode(data []byte) (*Segment, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: 数据太短 %d < %d", ErrDecoding, len(data), HeaderSize)
	}

	s := &Segment{
		SrcPort:   binary.BigEndian.Uint16(data[0:2]),
		DstPort:   binary.BigEndian.Uint16(data[2:4]),
		Seq:       seqs.Value(binary.BigEndian.Uint32(data[4:8])),
		Ack:       seqs.Value(binary.BigEndian.Uint32(data[8:12])),
		HeaderLen: data[12],
		Flags:     Flags(data[13]),
		Window:    binary.BigEndian.Uint16(data[14:16]),
		Checksum:  binary.BigEndian.Uint16(data[16:18]),
	}

	if len(data) > HeaderSize {
		s.Payload = make([]byte, len(data)-HeaderSize)
		copy(s.Payload, data[HeaderSize:])
	}

	return s, nil
}

// =============================================================================
// 停等格式: Seq(2) + Payload + Checksum(2)
// =============================================================================

// StopAndWaitOverhead 停等格式的固定开销
const StopAndWaitOverhead = 4

// EncodeStopAndWait 编码停等帧，校验和覆盖序号与载荷
func EncodeStopAndWait(seq uint16, payload []byte) []byte {
	buf := make([]byte, 2+len(payload)+2)
	binary.BigEndian.PutUint16(buf[0:2], seq)
	copy(buf[2:], payload)
	binary.BigEndian.PutUint16(buf[len(buf)-2:], stopAndWaitChecksum(buf[:len(buf)-2]))
	return buf
}

// DecodeStopAndWait 解码停等帧并校验
func DecodeStopAndWait(data []byte) (seq uint16, payload []byte, err error) {
	if len(data) < StopAndWaitOverhead {
		return 0, nil, fmt.Errorf("%w: 数据太短 %d < %d", ErrDecoding, len(data), StopAndWaitOverhead)
	}
	body := data[:len(data)-2]
	want := binary.BigEndian.Uint16(data[len(data)-2:])
	if stopAndWaitChecksum(body) != want {
		return 0, nil, ErrChecksumMismatch
	}
	seq = binary.BigEndian.Uint16(body[0:2])
	payload = make([]byte, len(body)-2)
	copy(payload, body[2:])
	return seq, payload, nil
}

func stopAndWaitChecksum(body []byte) uint16 {
	return ^uint16(checksumBytes(0, body))
}
