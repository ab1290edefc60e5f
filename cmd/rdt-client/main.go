// =============================================================================
// 文件: cmd/rdt-client/main.go
// 描述: 客户端入口 - 连接、下载、上传、关闭
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mrcgq/rdt/internal/capture"
	"github.com/mrcgq/rdt/internal/config"
	"github.com/mrcgq/rdt/internal/fault"
	"github.com/mrcgq/rdt/internal/logging"
	"github.com/mrcgq/rdt/internal/session"
	"github.com/mrcgq/rdt/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径 (留空使用默认配置)")
	showVersion := flag.Bool("v", false, "显示版本")
	remote := flag.String("remote", "", "服务端地址 (覆盖配置)")
	local := flag.String("local", ":0", "本地绑定地址")
	download := flag.String("download", "", "下载内容保存位置 (覆盖配置)")
	upload := flag.String("upload", "", "需要上传的文件 (覆盖配置)")
	timeout := flag.Duration("timeout", 10*time.Minute, "整个会话的超时")
	flag.Parse()

	if *showVersion {
		fmt.Printf("RDT Client v%s (%s, %s)\n", Version, GitCommit, BuildTime)
		fmt.Printf("  Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}
	if *remote != "" {
		cfg.Remote = *remote
	}
	if *download != "" {
		cfg.Client.DownloadFile = *download
	}
	if *upload != "" {
		cfg.Client.UploadFile = *upload
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}

	inj, err := fault.FromProfile(cfg.Profile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "故障配置错误: %v\n", err)
		os.Exit(1)
	}
	opts := transport.Options{Config: cfg.ConnConfig(), Faults: inj}

	if cfg.Capture.Enabled {
		pcap, err := capture.Create(cfg.Capture.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "抓包初始化失败: %v\n", err)
			os.Exit(1)
		}
		defer pcap.Close()
		opts.Tap = pcap
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\n正在中止...")
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Printf("RDT Client v%s → %s  故障注入: %s\n", Version, cfg.Remote, cfg.Fault)

	client := session.NewClient(*local, cfg.Remote, opts)
	if err := run(ctx, client, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		client.Close(context.Background())
		os.Exit(1)
	}
}

func run(ctx context.Context, client *session.Client, cfg *config.Config) error {
	if err := client.Connect(ctx); err != nil {
		var bindErr *transport.BindError
		if errors.As(err, &bindErr) {
			return fmt.Errorf("本地端口绑定失败: %w", err)
		}
		return fmt.Errorf("连接失败: %w", err)
	}

	start := time.Now()
	if cfg.Client.DownloadFile != "" {
		n, err := client.DownloadFile(ctx, cfg.Client.DownloadFile)
		if err != nil {
			return err
		}
		fmt.Printf("下载完成: %d 字节 → %s (%s)\n", n, cfg.Client.DownloadFile, time.Since(start).Truncate(time.Millisecond))
	}

	if cfg.Client.UploadFile != "" {
		start = time.Now()
		n, err := client.UploadFile(ctx, cfg.Client.UploadFile)
		if err != nil {
			return err
		}
		fmt.Printf("上传完成: %d 字节 ← %s (%s)\n", n, cfg.Client.UploadFile, time.Since(start).Truncate(time.Millisecond))
	}

	if err := client.Close(ctx); err != nil {
		return err
	}

	s := client.Stats()
	fmt.Printf("段: 发送 %d 接收 %d  重传 %d (超时 %d, 快速 %d)  重复确认 %d  校验失败 %d\n",
		s.SegmentsSent, s.SegmentsReceived, s.Retransmits, s.TimeoutRetransmits, s.FastRetransmits, s.DupAcks, s.ChecksumErrors)
	fmt.Printf("SRTT %s  RTO %s  窗口 %d\n", s.SRTT, s.RTO, s.Window)
	return nil
}
