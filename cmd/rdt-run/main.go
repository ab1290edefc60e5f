// =============================================================================
// 文件: cmd/rdt-run/main.go
// 描述: 单进程演示 - 同时运行服务端与客户端，交互输入四项故障率
// =============================================================================
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/rdt/internal/capture"
	"github.com/mrcgq/rdt/internal/config"
	"github.com/mrcgq/rdt/internal/fault"
	"github.com/mrcgq/rdt/internal/logging"
	"github.com/mrcgq/rdt/internal/session"
	"github.com/mrcgq/rdt/internal/transport"
)

var Version = "1.0.0"

func main() {
	configPath := flag.String("c", "", "配置文件路径 (留空使用默认配置)")
	size := flag.Int("size", 256*1024, "下载数据大小 (字节)")
	uploadSize := flag.Int("upload-size", 64*1024, "上传数据大小 (字节)，0 表示跳过")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "随机种子")
	dataCorrupt := flag.Int("data-corrupt", -1, "数据段损坏率 (-1 表示交互输入)")
	dataLoss := flag.Int("data-loss", -1, "数据段丢失率 (-1 表示交互输入)")
	ackCorrupt := flag.Int("ack-corrupt", -1, "确认损坏率 (-1 表示交互输入)")
	ackLoss := flag.Int("ack-loss", -1, "确认丢失率 (-1 表示交互输入)")
	pcapPath := flag.String("pcap", "", "抓包文件 (留空不抓包)")
	timeout := flag.Duration("timeout", 10*time.Minute, "整体超时")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}

	in := bufio.NewReader(os.Stdin)
	profile := fault.Profile{
		DataCorrupt: askPercent(in, os.Stdout, "数据段损坏率", *dataCorrupt),
		DataLoss:    askPercent(in, os.Stdout, "数据段丢失率", *dataLoss),
		AckCorrupt:  askPercent(in, os.Stdout, "确认损坏率", *ackCorrupt),
		AckLoss:     askPercent(in, os.Stdout, "确认丢失率", *ackLoss),
		Seed:        *seed,
	}

	rng := rand.New(rand.NewSource(*seed))
	download := make([]byte, *size)
	rng.Read(download)
	upload := make([]byte, *uploadSize)
	rng.Read(upload)

	var tap transport.Tap
	if *pcapPath != "" {
		w, err := capture.Create(*pcapPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "抓包初始化失败: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		tap = w
	}

	fmt.Printf("\nRDT Run v%s  下载 %d 字节  上传 %d 字节  %s  seed=%d\n\n",
		Version, len(download), len(upload), profile, profile.Seed)

	report, err := runPair(cfg, profile, download, upload, tap, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
	report.print(os.Stdout)
	if !report.ok() {
		os.Exit(1)
	}
}

// askPercent 读取 0-100 的整数，preset 有效时直接使用
func askPercent(in *bufio.Reader, out io.Writer, prompt string, preset int) int {
	if preset >= 0 && preset <= 100 {
		return preset
	}
	for {
		fmt.Fprintf(out, "%s (0-100): ", prompt)
		line, err := in.ReadString('\n')
		v, convErr := strconv.Atoi(strings.TrimSpace(line))
		if convErr == nil && v >= 0 && v <= 100 {
			return v
		}
		if err != nil {
			// 输入结束时按 0 处理
			fmt.Fprintln(out)
			return 0
		}
		fmt.Fprintln(out, "请输入 0 到 100 之间的整数")
	}
}

// report 一次运行的结果
type report struct {
	elapsed      time.Duration
	downloadOK   bool
	uploadOK     bool
	uploadWanted bool
	client       transport.Stats
	server       transport.Stats
}

func (r *report) ok() bool {
	return r.downloadOK && (r.uploadOK || !r.uploadWanted)
}

func (r *report) print(w io.Writer) {
	check := func(ok bool) string {
		if ok {
			return "一致"
		}
		return "不一致"
	}
	fmt.Fprintf(w, "耗时: %s\n", r.elapsed.Truncate(time.Millisecond))
	fmt.Fprintf(w, "下载校验: %s\n", check(r.downloadOK))
	if r.uploadWanted {
		fmt.Fprintf(w, "上传校验: %s\n", check(r.uploadOK))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-10s %10s %10s %10s %10s %10s %10s %10s\n", "", "发送段", "接收段", "重传", "快速重传", "校验失败", "注入丢失", "注入损坏")
	for _, row := range []struct {
		name string
		s    transport.Stats
	}{{"client", r.client}, {"server", r.server}} {
		fmt.Fprintf(w, "%-10s %10d %10d %10d %10d %10d %10d %10d\n", row.name,
			row.s.SegmentsSent, row.s.SegmentsReceived, row.s.Retransmits, row.s.FastRetransmits,
			row.s.ChecksumErrors, row.s.InjectedLosses, row.s.InjectedCorruptions)
	}
}

// runPair 在回环地址上运行一个服务端会话与一个客户端
func runPair(cfg *config.Config, profile fault.Profile, download, upload []byte, tap transport.Tap, timeout time.Duration) (*report, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	handler := session.NewMemoryHandler(download)
	srv := session.NewServer("127.0.0.1:0", handler, transport.Options{Config: cfg.ConnConfig(), Tap: tap})
	srv.SetMaxSessions(1)
	if err := srv.SetFaultProfile(profile); err != nil {
		return nil, err
	}
	if err := srv.Listen(); err != nil {
		return nil, err
	}
	defer srv.Close()

	clientProfile := profile
	clientProfile.Seed++
	inj, err := fault.FromProfile(clientProfile)
	if err != nil {
		return nil, err
	}
	client := session.NewClient("127.0.0.1:0", srv.Addr(), transport.Options{Config: cfg.ConnConfig(), Faults: inj, Tap: tap})

	r := &report{uploadWanted: len(upload) > 0}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		if err := client.Connect(gctx); err != nil {
			return err
		}
		got, err := client.Download(gctx)
		if err != nil {
			return err
		}
		r.downloadOK = bytes.Equal(got, download)

		if r.uploadWanted {
			if err := client.UploadBytes(gctx, upload); err != nil {
				return err
			}
		}
		return client.Close(gctx)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.elapsed = time.Since(start)
	if uploads := handler.Uploads(); r.uploadWanted && len(uploads) == 1 {
		r.uploadOK = bytes.Equal(uploads[0], upload)
	}
	r.client = client.Stats()
	r.server = srv.TransportStats()
	return r, nil
}
