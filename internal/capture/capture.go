// =============================================================================
// 文件: internal/capture/capture.go
// 描述: 抓包 - 将收发边界的帧封装为 IPv4/IPv6 + UDP 写入 pcap 文件
// =============================================================================
package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog/log"

	"github.com/mrcgq/rdt/internal/transport"
)

const snapLen = 65536

// Writer pcap 写入器，实现 transport.Tap
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	w    *pcapgo.Writer
	ipID uint16
	err  error

	packets uint64
	skipped uint64
}

// Create 创建 pcap 文件 (链路类型 RAW)
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("创建抓包文件失败: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, fmt.Errorf("写入 pcap 文件头失败: %w", err)
	}
	return &Writer{f: f, w: w}, nil
}

// Capture 实现 transport.Tap
func (w *Writer) Capture(dir transport.Direction, local, remote net.Addr, frame []byte) {
	src, dst := local, remote
	if dir == transport.Inbound {
		src, dst = remote, local
	}
	srcUDP, ok1 := src.(*net.UDPAddr)
	dstUDP, ok2 := dst.(*net.UDPAddr)
	if !ok1 || !ok2 {
		atomic.AddUint64(&w.skipped, 1)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil || w.f == nil {
		return
	}

	w.ipID++
	data, err := encapsulate(srcUDP, dstUDP, w.ipID, frame)
	if err != nil {
		atomic.AddUint64(&w.skipped, 1)
		return
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := w.w.WritePacket(ci, data); err != nil {
		w.err = err
		log.Error().Err(err).Msg("[Capture] 写入失败，停止抓包")
		return
	}
	atomic.AddUint64(&w.packets, 1)
}

// encapsulate 序列化 IP + UDP 头
func encapsulate(src, dst *net.UDPAddr, id uint16, frame []byte) ([]byte, error) {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}

	var network gopacket.SerializableLayer
	if src4, dst4 := src.IP.To4(), dst.IP.To4(); src4 != nil && dst4 != nil {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Id:       id,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src4,
			DstIP:    dst4,
		}
		udp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src.IP.To16(),
			DstIP:      dst.IP.To16(),
		}
		udp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, network, udp, gopacket.Payload(frame)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Err 第一次写入错误
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Packets 已写入的包数
func (w *Writer) Packets() uint64 {
	return atomic.LoadUint64(&w.packets)
}

// Close 关闭文件
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// GetStats 获取统计
func (w *Writer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"packets": w.Packets(),
		"skipped": atomic.LoadUint64(&w.skipped),
	}
}

// =============================================================================
// 读取
// =============================================================================

// Record 解析后的一条抓包记录
type Record struct {
	Timestamp time.Time
	Src       *net.UDPAddr
	Dst       *net.UDPAddr
	Segment   *transport.Segment
	Valid     bool // 校验和正确
}

// ReadFile 读取 pcap 文件并解码其中的段
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开抓包文件失败: %w", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("读取 pcap 文件头失败: %w", err)
	}

	codec := transport.NewCodec(snapLen)
	var records []Record
	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("读取数据包失败: %w", err)
		}

		pkt := gopacket.NewPacket(data, layers.LinkTypeRaw, gopacket.Default)
		udpLayer, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}

		rec := Record{
			Timestamp: ci.Timestamp,
			Src:       &net.UDPAddr{Port: int(udpLayer.SrcPort)},
			Dst:       &net.UDPAddr{Port: int(udpLayer.DstPort)},
		}
		switch ip := pkt.NetworkLayer().(type) {
		case *layers.IPv4:
			rec.Src.IP, rec.Dst.IP = ip.SrcIP, ip.DstIP
		case *layers.IPv6:
			rec.Src.IP, rec.Dst.IP = ip.SrcIP, ip.DstIP
		}

		seg, err := codec.Decode(udpLayer.Payload)
		if err != nil {
			continue
		}
		rec.Segment = seg
		rec.Valid = transport.Verify(seg)
		records = append(records, rec)
	}
}
