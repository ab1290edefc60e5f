// =============================================================================
// 文件: internal/transport/types.go
// 描述: 可靠传输 - 统一类型定义 (常量、状态、配置、统计)
// =============================================================================
package transport

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/rdt/internal/fault"
)

// 协议常量
const (
	// 段头: Src(2) + Dst(2) + Seq(4) + Ack(4) + HeaderLen(1) + Flags(1) + Window(2) + Checksum(2) = 18 bytes
	HeaderSize = 18

	// 一帧 (头 + 载荷) 的默认上限
	DefaultFrameSize = 1024
	DefaultMSS       = DefaultFrameSize - HeaderSize

	// 段头中通告的接收窗口 (仅作信息用途)
	DefaultRecvWindow = 4096

	// 握手初始序列号 (固定)
	ClientISN = 0
	ServerISN = 1

	// 默认参数
	DefaultInitialWindow    = 1
	DefaultMaxWindow        = 64
	DefaultInitialRTT       = 100 * time.Millisecond
	DefaultRTOMin           = 100 * time.Millisecond
	DefaultRTOMax           = 5 * time.Second
	DefaultMaxRetries       = 50
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultRecvTimeout      = 2 * time.Second
	DefaultIdleLimit        = 6
	DefaultTeardownTimeout  = 2 * time.Second
	DefaultPollInterval     = 50 * time.Millisecond
	DefaultRecvBufferSize   = 512

	// 快速重传
	FastRetransmitThreshold = 3 // 3 个重复 ACK 触发快速重传
)

// 请求名称
const (
	RequestDownload = "download"
	RequestUpload   = "upload"
	RequestExit     = "exit"
)

// Flags 段标志位
type Flags uint8

const (
	FlagFIN Flags = 0x01 // 流结束 / 拆除
	FlagSYN Flags = 0x02 // 同步 (连接建立)
	FlagRST Flags = 0x04 // 重置
	FlagREQ Flags = 0x08 // 请求 / 请求应答
	FlagACK Flags = 0x10 // 确认
	FlagNAK Flags = 0x20 // 请求被拒绝
)

// Has 是否包含全部指定标志
func (f Flags) Has(v Flags) bool {
	return f&v == v
}

func (f Flags) String() string {
	if f == 0 {
		return "DATA"
	}
	names := []struct {
		flag Flags
		name string
	}{
		{FlagSYN, "SYN"}, {FlagFIN, "FIN"}, {FlagRST, "RST"},
		{FlagREQ, "REQ"}, {FlagACK, "ACK"}, {FlagNAK, "NAK"},
	}
	s := ""
	for _, n := range names {
		if f&n.flag != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	return s
}

// State 连接状态
type State uint8

const (
	StateClosed State = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateClosing
)

func (s State) String() string {
	names := []string{
		"CLOSED", "SYN_SENT", "SYN_RCVD", "ESTABLISHED", "CLOSING",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// ConnConfig 连接配置 (唯一定义)
type ConnConfig struct {
	FrameSize        int
	RecvWindow       uint16
	InitialWindow    int
	MaxWindow        int
	InitialRTT       time.Duration
	RTOMin           time.Duration
	RTOMax           time.Duration
	MaxRetries       int
	HandshakeTimeout time.Duration
	RecvTimeout      time.Duration
	IdleLimit        int
	TeardownTimeout  time.Duration
	PollInterval     time.Duration
	RecvBufferSize   int
}

// DefaultConnConfig 默认配置 (唯一定义)
func DefaultConnConfig() *ConnConfig {
	return &ConnConfig{
		FrameSize:        DefaultFrameSize,
		RecvWindow:       DefaultRecvWindow,
		InitialWindow:    DefaultInitialWindow,
		MaxWindow:        DefaultMaxWindow,
		InitialRTT:       DefaultInitialRTT,
		RTOMin:           DefaultRTOMin,
		RTOMax:           DefaultRTOMax,
		MaxRetries:       DefaultMaxRetries,
		HandshakeTimeout: DefaultHandshakeTimeout,
		RecvTimeout:      DefaultRecvTimeout,
		IdleLimit:        DefaultIdleLimit,
		TeardownTimeout:  DefaultTeardownTimeout,
		PollInterval:     DefaultPollInterval,
		RecvBufferSize:   DefaultRecvBufferSize,
	}
}

// Stats 连接统计
type Stats struct {
	// 基本统计
	SegmentsSent     uint64
	SegmentsReceived uint64
	BytesSent        uint64 // 首次发送的载荷字节
	BytesReceived    uint64 // 按序交付的载荷字节

	// 重传统计
	Retransmits        uint64
	TimeoutRetransmits uint64
	FastRetransmits    uint64

	// ACK 统计
	AcksSent     uint64
	AcksReceived uint64
	DupAcks      uint64

	// 接收侧
	ChecksumErrors uint64
	Duplicates     uint64
	Buffered       uint64

	// 故障注入
	InjectedLosses      uint64
	InjectedCorruptions uint64

	// 窗口与 RTT
	Window int64
	SRTT   time.Duration
	RTTVar time.Duration
	RTO    time.Duration

	// 连接状态
	State string
}

// Add 累加另一份统计 (窗口/RTT 取较新的一份)
func (s *Stats) Add(o Stats) {
	s.SegmentsSent += o.SegmentsSent
	s.SegmentsReceived += o.SegmentsReceived
	s.BytesSent += o.BytesSent
	s.BytesReceived += o.BytesReceived
	s.Retransmits += o.Retransmits
	s.TimeoutRetransmits += o.TimeoutRetransmits
	s.FastRetransmits += o.FastRetransmits
	s.AcksSent += o.AcksSent
	s.AcksReceived += o.AcksReceived
	s.DupAcks += o.DupAcks
	s.ChecksumErrors += o.ChecksumErrors
	s.Duplicates += o.Duplicates
	s.Buffered += o.Buffered
	s.InjectedLosses += o.InjectedLosses
	s.InjectedCorruptions += o.InjectedCorruptions
	s.Window = o.Window
	s.SRTT = o.SRTT
	s.RTTVar = o.RTTVar
	s.RTO = o.RTO
	s.State = o.State
}

// Direction 帧方向
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// Tap 帧旁路 (抓包)，在收发边界被调用
type Tap interface {
	Capture(dir Direction, local, remote net.Addr, frame []byte)
}

// Options 连接选项
type Options struct {
	Config *ConnConfig
	Faults fault.Injector
	Tap    Tap
	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Config == nil {
		o.Config = DefaultConnConfig()
	}
	if o.Faults == nil {
		o.Faults = fault.None()
	}
	return o
}
