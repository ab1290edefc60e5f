// =============================================================================
// 文件: internal/transport/conn_test.go
// 描述: 连接测试 (握手、流传输、请求、拆除、故障注入)
// =============================================================================
package transport

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/soypat/seqs"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/rdt/internal/congestion"
	"github.com/mrcgq/rdt/internal/fault"
)

func testConfig() *ConnConfig {
	cfg := DefaultConnConfig()
	cfg.InitialRTT = 20 * time.Millisecond
	cfg.RTOMin = 20 * time.Millisecond
	cfg.RTOMax = 300 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.RecvTimeout = 500 * time.Millisecond
	cfg.TeardownTimeout = 500 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func testOptions(cfg *ConnConfig, inj fault.Injector) Options {
	nop := zerolog.Nop()
	return Options{Config: cfg, Faults: inj, Logger: &nop}
}

// newTestPair 建立一对已握手的连接
func newTestPair(t *testing.T, clientFaults, serverFaults fault.Injector) (client, server *Conn) {
	t.Helper()

	ln, err := Listen("127.0.0.1:0", testOptions(testConfig(), serverFaults))
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("绑定失败: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	client = NewClientConn(pc, ln.Addr(), testOptions(testConfig(), clientFaults))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		var err error
		server, err = ln.Accept(ctx)
		return err
	})
	g.Go(func() error {
		return client.Connect(ctx)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("握手失败: %v", err)
	}
	return client, server
}

// rawPeer 手工收发段的对端
type rawPeer struct {
	t     *testing.T
	pc    net.PacketConn
	codec Codec
	buf   []byte
}

func newRawPeer(t *testing.T) *rawPeer {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("绑定失败: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return &rawPeer{t: t, pc: pc, codec: NewCodec(DefaultFrameSize), buf: make([]byte, 2048)}
}

func (p *rawPeer) send(to net.Addr, flags Flags, seq, ack uint32, payload []byte) {
	frame, err := p.codec.Encode(NewSegment(0, 0, seqs.Value(seq), seqs.Value(ack), flags, DefaultRecvWindow, payload))
	if err != nil {
		p.t.Fatalf("编码失败: %v", err)
	}
	if _, err := p.pc.WriteTo(frame, to); err != nil {
		p.t.Fatalf("发送失败: %v", err)
	}
}

func (p *rawPeer) recv(timeout time.Duration) (*Segment, net.Addr, error) {
	p.pc.SetReadDeadline(time.Now().Add(timeout))
	n, from, err := p.pc.ReadFrom(p.buf)
	if err != nil {
		return nil, nil, err
	}
	seg, err := p.codec.Decode(p.buf[:n])
	if err != nil {
		return nil, nil, err
	}
	if !Verify(seg) {
		return nil, nil, ErrChecksumMismatch
	}
	return seg, from, nil
}

// -----------------------------------------------------------------------------
// 握手
// -----------------------------------------------------------------------------

func TestHandshakeEstablished(t *testing.T) {
	client, server := newTestPair(t, nil, nil)

	if client.State() != StateEstablished {
		t.Errorf("客户端状态不正确: got %s", client.State())
	}
	if server.State() != StateEstablished {
		t.Errorf("服务端状态不正确: got %s", server.State())
	}
	if client.SendNext() != 1 || client.Expected() != 2 {
		t.Errorf("客户端序号不正确: next=%d expected=%d", client.SendNext(), client.Expected())
	}
	if server.SendNext() != 2 || server.Expected() != 1 {
		t.Errorf("服务端序号不正确: next=%d expected=%d", server.SendNext(), server.Expected())
	}
}

func TestHandshakeClientSequence(t *testing.T) {
	peer := newRawPeer(t)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("绑定失败: %v", err)
	}
	defer pc.Close()

	client := NewClientConn(pc, peer.pc.LocalAddr(), testOptions(testConfig(), nil))
	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect(context.Background()) }()

	syn, from, err := peer.recv(time.Second)
	if err != nil {
		t.Fatalf("未收到 SYN: %v", err)
	}
	if syn.Flags != FlagSYN || syn.Seq != 0 {
		t.Fatalf("SYN 不正确: %s", syn)
	}

	peer.send(from, FlagSYN|FlagACK, 1, 1, nil)

	ack, _, err := peer.recv(time.Second)
	if err != nil {
		t.Fatalf("未收到 ACK: %v", err)
	}
	if ack.Flags != FlagACK || ack.Ack != 2 {
		t.Errorf("第三次握手不正确: %s", ack)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	if client.State() != StateEstablished {
		t.Errorf("状态不正确: got %s", client.State())
	}
}

func TestHandshakeClientWrongAck(t *testing.T) {
	peer := newRawPeer(t)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("绑定失败: %v", err)
	}
	defer pc.Close()

	client := NewClientConn(pc, peer.pc.LocalAddr(), testOptions(testConfig(), nil))
	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect(context.Background()) }()

	_, from, err := peer.recv(time.Second)
	if err != nil {
		t.Fatalf("未收到 SYN: %v", err)
	}
	peer.send(from, FlagSYN|FlagACK, 1, 5, nil)

	if err := <-errCh; !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("期望 ErrConnectionFailed, got %v", err)
	}
	if client.State() != StateClosed {
		t.Errorf("失败后应为 CLOSED: got %s", client.State())
	}
}

func TestHandshakeClientTimeout(t *testing.T) {
	peer := newRawPeer(t)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("绑定失败: %v", err)
	}
	defer pc.Close()

	cfg := testConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	client := NewClientConn(pc, peer.pc.LocalAddr(), testOptions(cfg, nil))

	if err := client.Connect(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("期望 ErrConnectionFailed, got %v", err)
	}
	if client.State() != StateClosed {
		t.Errorf("超时后应为 CLOSED: got %s", client.State())
	}
}

func TestHandshakeServerWrongAck(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", testOptions(testConfig(), nil))
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer ln.Close()

	peer := newRawPeer(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := ln.Accept(context.Background())
		errCh <- err
	}()

	peer.send(ln.Addr(), FlagSYN, 0, 0, nil)
	synAck, _, err := peer.recv(time.Second)
	if err != nil {
		t.Fatalf("未收到 SYN-ACK: %v", err)
	}
	if synAck.Flags != FlagSYN|FlagACK || synAck.Seq != 1 || synAck.Ack != 1 {
		t.Fatalf("SYN-ACK 不正确: %s", synAck)
	}

	peer.send(ln.Addr(), FlagACK, 1, 3, nil)
	if err := <-errCh; !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("期望 ErrConnectionFailed, got %v", err)
	}
}

func TestListenerResetsUnknownPeer(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", testOptions(testConfig(), nil))
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer ln.Close()

	peer := newRawPeer(t)
	go ln.Accept(context.Background())

	peer.send(ln.Addr(), 0, 5, 0, []byte("stray"))
	rst, _, err := peer.recv(time.Second)
	if err != nil {
		t.Fatalf("未收到 RST: %v", err)
	}
	if !rst.Flags.Has(FlagRST) {
		t.Errorf("期望 RST, got %s", rst)
	}
}

func TestListenerIdle(t *testing.T) {
	cfg := testConfig()
	cfg.RecvTimeout = 50 * time.Millisecond
	ln, err := Listen("127.0.0.1:0", testOptions(cfg, nil))
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer ln.Close()

	if _, err := ln.Accept(context.Background()); !errors.Is(err, ErrIdle) {
		t.Errorf("期望 ErrIdle, got %v", err)
	}
}

func TestListenBindError(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", testOptions(testConfig(), nil))
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer ln.Close()

	_, err = Listen(ln.Addr().String(), testOptions(testConfig(), nil))
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("期望 *BindError, got %v", err)
	}
}

// -----------------------------------------------------------------------------
// 流传输
// -----------------------------------------------------------------------------

// transfer 单向传输一个流；接收方完成后继续应答过期段，直到发送方结束
func transfer(t *testing.T, sender, receiver *Conn, data []byte) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	senderDone := make(chan struct{})
	var got []byte
	var g errgroup.Group
	g.Go(func() error {
		var err error
		if got, err = receiver.ReceiveStream(ctx); err != nil {
			return err
		}
		lctx, lcancel := context.WithCancel(ctx)
		defer lcancel()
		go func() {
			<-senderDone
			lcancel()
		}()
		_, err = receiver.NextRequest(lctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrIdle) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer close(senderDone)
		return sender.SendBytes(ctx, data)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("传输失败: %v", err)
	}
	return got
}

func TestStreamCleanTransfer(t *testing.T) {
	client, server := newTestPair(t, nil, nil)
	data := bytes.Repeat([]byte{0xAB}, 2*DefaultMSS+1)

	got := transfer(t, client, server, data)
	if !bytes.Equal(got, data) {
		t.Fatalf("数据不一致: got %d bytes, want %d", len(got), len(data))
	}

	st := client.Stats()
	if st.Window != 4 {
		t.Errorf("窗口应增长到 4: got %d", st.Window)
	}
	if st.Retransmits != 0 {
		t.Errorf("无故障时不应重传: got %d", st.Retransmits)
	}
	if want := uint32(1 + 2*DefaultMSS + 1 + 1); uint32(client.SendNext()) != want {
		t.Errorf("发送偏移不正确: got %d, want %d", client.SendNext(), want)
	}
}

func TestStreamEmpty(t *testing.T) {
	client, server := newTestPair(t, nil, nil)

	got := transfer(t, server, client, nil)
	if len(got) != 0 {
		t.Errorf("空流应交付空数据: got %d bytes", len(got))
	}
	if server.SendNext() != 3 {
		t.Errorf("空 FIN 段应占用一个序号: got %d", server.SendNext())
	}
}

func TestStreamConsecutive(t *testing.T) {
	client, server := newTestPair(t, nil, nil)

	first := []byte("first stream")
	second := bytes.Repeat([]byte("second "), 500)

	if got := transfer(t, server, client, first); !bytes.Equal(got, first) {
		t.Fatalf("第一个流不一致")
	}
	if got := transfer(t, server, client, second); !bytes.Equal(got, second) {
		t.Fatalf("第二个流不一致")
	}
	if got := transfer(t, client, server, first); !bytes.Equal(got, first) {
		t.Fatalf("反向流不一致")
	}
}

func TestStreamRetransmitAfterFirstLoss(t *testing.T) {
	script := &fault.Script{DataLoss: []bool{true}}
	client, server := newTestPair(t, script, nil)
	client.rtt = congestion.NewRTTEstimatorWithBounds(200*time.Millisecond, 200*time.Millisecond, time.Second)
	data := []byte("segment zero is lost once")

	got := transfer(t, client, server, data)
	if !bytes.Equal(got, data) {
		t.Fatalf("数据不一致: got %q", got)
	}

	st := client.Stats()
	if st.TimeoutRetransmits != 1 {
		t.Errorf("应恰好超时重传一次: got %d", st.TimeoutRetransmits)
	}
	if st.InjectedLosses != 1 {
		t.Errorf("应注入一次丢失: got %d", st.InjectedLosses)
	}
}

func TestStreamFastRetransmitBeforeTimeout(t *testing.T) {
	peer := newRawPeer(t)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("绑定失败: %v", err)
	}
	defer pc.Close()

	// 超时远大于重复确认的到达间隔
	cfg := testConfig()
	cfg.InitialRTT = 5 * time.Second
	cfg.RTOMin = 5 * time.Second
	cfg.RTOMax = 5 * time.Second
	client := NewClientConn(pc, peer.pc.LocalAddr(), testOptions(cfg, nil))

	connErr := make(chan error, 1)
	go func() { connErr <- client.Connect(context.Background()) }()
	_, from, err := peer.recv(time.Second)
	if err != nil {
		t.Fatalf("未收到 SYN: %v", err)
	}
	peer.send(from, FlagSYN|FlagACK, 1, 1, nil)
	if _, _, err := peer.recv(time.Second); err != nil {
		t.Fatalf("未收到 ACK: %v", err)
	}
	if err := <-connErr; err != nil {
		t.Fatalf("连接失败: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- client.SendBytes(context.Background(), []byte("fast retransmit")) }()

	first, _, err := peer.recv(time.Second)
	if err != nil {
		t.Fatalf("未收到数据段: %v", err)
	}
	start := time.Now()
	for i := 0; i < 3; i++ {
		peer.send(from, FlagACK, 2, uint32(first.Seq), nil)
	}

	again, _, err := peer.recv(2 * time.Second)
	if err != nil {
		t.Fatalf("未收到快速重传: %v", err)
	}
	if again.Seq != first.Seq || !bytes.Equal(again.Payload, first.Payload) {
		t.Errorf("重传段不正确: %s", again)
	}
	if elapsed := time.Since(start); elapsed >= cfg.RTOMin {
		t.Errorf("重传应早于定时器到期: %v", elapsed)
	}

	peer.send(from, FlagACK, 2, uint32(again.End()), nil)
	if err := <-sendErr; err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	st := client.Stats()
	if st.FastRetransmits != 1 || st.TimeoutRetransmits != 0 {
		t.Errorf("重传统计不正确: fast=%d timeout=%d", st.FastRetransmits, st.TimeoutRetransmits)
	}
	if st.DupAcks != 3 {
		t.Errorf("重复确认计数不正确: got %d", st.DupAcks)
	}
}

func TestStreamLivenessUnderFaults(t *testing.T) {
	if testing.Short() {
		t.Skip("跳过故障注入长测试")
	}

	profile := fault.Profile{DataCorrupt: 15, DataLoss: 15, AckCorrupt: 15, AckLoss: 15}
	data := make([]byte, 16*DefaultMSS+123)
	rand.New(rand.NewSource(1)).Read(data)

	for _, seed := range []uint64{1, 2, 3} {
		profile.Seed = seed
		clientInj, err := fault.FromProfile(profile)
		if err != nil {
			t.Fatalf("创建注入器失败: %v", err)
		}
		profile.Seed = seed + 100
		serverInj, err := fault.FromProfile(profile)
		if err != nil {
			t.Fatalf("创建注入器失败: %v", err)
		}

		client, server := newTestPair(t, clientInj, serverInj)
		if got := transfer(t, server, client, data); !bytes.Equal(got, data) {
			t.Fatalf("seed=%d: 下行数据不一致", seed)
		}
		if got := transfer(t, client, server, data); !bytes.Equal(got, data) {
			t.Fatalf("seed=%d: 上行数据不一致", seed)
		}
	}
}

func TestStreamLivenessHeavyLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("跳过故障注入长测试")
	}

	data := make([]byte, 6*DefaultMSS+17)
	rand.New(rand.NewSource(2)).Read(data)

	clientInj, err := fault.FromProfile(fault.Profile{DataLoss: 75, AckLoss: 75, Seed: 7})
	if err != nil {
		t.Fatalf("创建注入器失败: %v", err)
	}
	serverInj, err := fault.FromProfile(fault.Profile{DataLoss: 75, AckLoss: 75, Seed: 8})
	if err != nil {
		t.Fatalf("创建注入器失败: %v", err)
	}

	client, server := newTestPair(t, clientInj, serverInj)
	if client.config.MaxRetries != DefaultMaxRetries {
		t.Fatalf("应使用默认重试上限: got %d", client.config.MaxRetries)
	}

	if got := transfer(t, client, server, data); !bytes.Equal(got, data) {
		t.Fatal("重度丢包下数据不一致")
	}
	if st := client.Stats(); st.InjectedLosses == 0 || st.Retransmits == 0 {
		t.Errorf("应发生丢包与重传: losses=%d retransmits=%d", st.InjectedLosses, st.Retransmits)
	}
}

func TestSendStreamPeerSilent(t *testing.T) {
	client, _ := newTestPair(t, nil, nil)
	client.config.RecvTimeout = 20 * time.Millisecond
	client.config.IdleLimit = 5

	// 对端不读取: 数据段无人确认，静默超过 IdleLimit·RecvTimeout 后放弃
	start := time.Now()
	err := client.SendBytes(context.Background(), []byte("nobody listens"))
	if !errors.Is(err, ErrConnTimeout) {
		t.Fatalf("期望 ErrConnTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("静默期未到不应放弃: %v", elapsed)
	}
}

func TestReceiveStreamIdle(t *testing.T) {
	client, _ := newTestPair(t, nil, nil)
	client.config.RecvTimeout = 20 * time.Millisecond
	client.config.IdleLimit = 3

	_, err := client.ReceiveStream(context.Background())
	if !errors.Is(err, ErrConnTimeout) {
		t.Errorf("期望 ErrConnTimeout, got %v", err)
	}
}

func TestSendStreamNotEstablished(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("绑定失败: %v", err)
	}
	defer pc.Close()

	c := NewClientConn(pc, pc.LocalAddr(), testOptions(testConfig(), nil))
	if err := c.SendBytes(context.Background(), []byte("x")); !errors.Is(err, ErrConnNotReady) {
		t.Errorf("期望 ErrConnNotReady, got %v", err)
	}
}

// -----------------------------------------------------------------------------
// 请求与拆除
// -----------------------------------------------------------------------------

func TestRequestAccepted(t *testing.T) {
	client, server := newTestPair(t, nil, nil)
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error {
		req, err := server.NextRequest(ctx)
		if err != nil {
			return err
		}
		if req.Name != RequestDownload || req.Teardown {
			t.Errorf("请求不正确: %+v", req)
		}
		return server.Respond(true)
	})
	g.Go(func() error {
		return client.Request(ctx, RequestDownload)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("请求失败: %v", err)
	}

	if want := uint32(1 + len(RequestDownload)); uint32(client.SendNext()) != want {
		t.Errorf("请求应占用载荷长度的序号: got %d, want %d", client.SendNext(), want)
	}
	if server.Expected() != client.SendNext() {
		t.Errorf("服务端期望偏移不正确: got %d, want %d", server.Expected(), client.SendNext())
	}
}

func TestRequestRejectedKeepsConnection(t *testing.T) {
	client, server := newTestPair(t, nil, nil)
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error {
		if _, err := server.NextRequest(ctx); err != nil {
			return err
		}
		if err := server.Respond(false); err != nil {
			return err
		}
		if _, err := server.NextRequest(ctx); err != nil {
			return err
		}
		return server.Respond(true)
	})
	g.Go(func() error {
		if err := client.Request(ctx, "bogus"); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("期望 ErrInvalidRequest, got %v", err)
		}
		return client.Request(ctx, RequestUpload)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if !client.IsEstablished() {
		t.Error("被拒绝后连接应保持")
	}
}

func TestTeardown(t *testing.T) {
	client, server := newTestPair(t, nil, nil)
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error {
		req, err := server.NextRequest(ctx)
		if err != nil {
			return err
		}
		if !req.Teardown || req.Name != RequestExit {
			t.Errorf("期望退出请求: %+v", req)
		}
		return server.AcceptTeardown(ctx)
	})
	g.Go(func() error {
		return client.Close(ctx)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("拆除失败: %v", err)
	}

	if client.State() != StateClosed || server.State() != StateClosed {
		t.Errorf("拆除后应为 CLOSED: client=%s server=%s", client.State(), server.State())
	}
}

func TestTeardownPeerSilent(t *testing.T) {
	client, _ := newTestPair(t, nil, nil)
	client.config.TeardownTimeout = 50 * time.Millisecond

	err := client.Close(context.Background())
	if !errors.Is(err, ErrTeardownFailed) {
		t.Errorf("期望 ErrTeardownFailed, got %v", err)
	}
	if client.State() != StateClosed {
		t.Errorf("拆除失败后仍应关闭: got %s", client.State())
	}
}

func TestTeardownIgnoresStaleDataFin(t *testing.T) {
	client, server := newTestPair(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data := []byte("last chunk")
	if got := transfer(t, server, client, data); !bytes.Equal(got, data) {
		t.Fatalf("数据不一致: %q", got)
	}
	streamEnd := server.SendNext()
	staleSeq := seqs.Value(uint32(streamEnd) - uint32(len(data)+1))
	stale := server.newSegment(FlagFIN, staleSeq, server.Expected(), data)

	var g errgroup.Group
	g.Go(func() error {
		req, err := server.NextRequest(ctx)
		if err != nil {
			return err
		}
		if !req.Teardown {
			t.Errorf("期望退出请求: %+v", req)
		}
		// 客户端等待拆除时收到一个过期的流末尾数据段
		if err := server.sendSegment(stale, frameControl); err != nil {
			return err
		}
		return server.AcceptTeardown(ctx)
	})
	g.Go(func() error {
		return client.Close(ctx)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("拆除失败: %v", err)
	}

	if want := seqs.Add(streamEnd, 1); client.Expected() != want {
		t.Errorf("累积确认号不正确: got %d, want %d", client.Expected(), want)
	}
	if client.Stats().Duplicates == 0 {
		t.Error("过期数据段应按重复段处理")
	}
}

func TestRequestAfterDownloadAckLoss(t *testing.T) {
	// 客户端最后一个确认丢失，退出请求先于服务端完成发送到达
	script := &fault.Script{AckLoss: []bool{true}}
	client, server := newTestPair(t, script, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data := []byte("one segment")
	var g errgroup.Group
	g.Go(func() error {
		if err := server.SendBytes(ctx, data); err != nil {
			return err
		}
		req, err := server.NextRequest(ctx)
		if err != nil {
			return err
		}
		if !req.Teardown {
			t.Errorf("期望退出请求: %+v", req)
		}
		return server.AcceptTeardown(ctx)
	})
	g.Go(func() error {
		got, err := client.ReceiveStream(ctx)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, data) {
			t.Errorf("数据不一致: %q", got)
		}
		return client.Close(ctx)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("会话失败: %v", err)
	}
}
