// =============================================================================
// 文件: cmd/rdt-server/main.go
// 描述: 服务端入口 - 配置加载、指标、抓包、热加载与信号处理
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

	"github.com/rs/zerolog/log"

	"github.com/mrcgq/rdt/internal/capture"
	"github.com/mrcgq/rdt/internal/config"
	"github.com/mrcgq/rdt/internal/logging"
	"github.com/mrcgq/rdt/internal/metrics"
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
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	listen := flag.String("listen", "", "监听地址 (覆盖配置)")
	download := flag.String("download", "", "下载请求发送的文件 (覆盖配置)")
	upload := flag.String("upload", "", "上传请求写入的文件 (覆盖配置)")
	maxSessions := flag.Int("max-sessions", -1, "服务会话数上限，0 表示不限 (覆盖配置)")
	watch := flag.Bool("watch", true, "监听配置文件变化，故障配置从下一个会话生效")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	// 加载配置
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}

	// 覆盖配置
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *download != "" {
		cfg.Server.DownloadFile = *download
	}
	if *upload != "" {
		cfg.Server.UploadFile = *upload
	}
	if *maxSessions >= 0 {
		cfg.Server.MaxSessions = *maxSessions
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := transport.Options{Config: cfg.ConnConfig()}

	// 抓包
	var pcap *capture.Writer
	if cfg.Capture.Enabled {
		var err error
		if pcap, err = capture.Create(cfg.Capture.Path); err != nil {
			fmt.Fprintf(os.Stderr, "抓包初始化失败: %v\n", err)
			os.Exit(1)
		}
		defer pcap.Close()
		opts.Tap = pcap
	}

	srv := session.NewServer(cfg.Listen, session.NewFileHandler(cfg.Server.DownloadFile, cfg.Server.UploadFile), opts)
	srv.SetMaxSessions(cfg.Server.MaxSessions)
	if err := srv.SetFaultProfile(cfg.Profile()); err != nil {
		fmt.Fprintf(os.Stderr, "故障配置错误: %v\n", err)
		os.Exit(1)
	}

	// 绑定失败时不进入服务
	if err := srv.Listen(); err != nil {
		var bindErr *transport.BindError
		if errors.As(err, &bindErr) {
			fmt.Fprintf(os.Stderr, "端口绑定失败: %s: %v\n", bindErr.Addr, bindErr.Err)
		} else {
			fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		}
		os.Exit(1)
	}

	// 创建 Metrics 服务器
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
		)
		metricsServer.SetVersion(Version)
		srv.SetMetrics(metrics.NewEventMetrics(metricsServer.GetRegistry()))
		metricsServer.MustRegisterCollector(metrics.NewTransportCollector(srv))
		metricsServer.SetHealthCheck(srv.HealthStatus)
		metricsServer.SetStatsProvider(srv)

		if err := metricsServer.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics 启动失败: %v (继续运行)\n", err)
			metricsServer = nil
		}
	}

	// 配置热加载
	if *watch && *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(c *config.Config) {
				if err := srv.SetFaultProfile(c.Profile()); err != nil {
					log.Warn().Err(err).Msg("故障配置未更新")
				}
			})
			if err != nil {
				log.Warn().Err(err).Msg("配置热加载不可用")
			}
		}()
	}

	printBanner(cfg, srv, metricsServer)

	// 等待信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\n正在关闭...")
			cancel()
			srv.Close()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	err := srv.Serve(ctx)
	cancel()
	srv.Close()
	if metricsServer != nil {
		metricsServer.Stop()
	}

	printSummary(srv, time.Since(start))
	if err != nil {
		fmt.Fprintf(os.Stderr, "服务异常退出: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("RDT Server v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("请求:")
	fmt.Println("  - download  : 发送 server.download_file")
	fmt.Println("  - upload    : 接收并写入 server.upload_file")
	fmt.Println("  - exit      : 拆除连接")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics  : Prometheus 格式指标")
	fmt.Println("  - /health   : JSON 健康状态")
}

func printBanner(cfg *config.Config, srv *session.Server, ms *metrics.MetricsServer) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║         RDT Server - 基于 UDP 的可靠字节流                        ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  监听地址: %-53s ║\n", srv.Addr())
	fmt.Printf("║  帧长/MSS: %-53s ║\n", fmt.Sprintf("%d / %d", cfg.Transport.FrameSize, cfg.Transport.FrameSize-transport.HeaderSize))
	fmt.Printf("║  窗口: %-57s ║\n", fmt.Sprintf("初始 %d, 上限 %d", cfg.Transport.InitialWindow, cfg.Transport.MaxWindow))
	fmt.Printf("║  故障注入: %-53s ║\n", cfg.Fault.String())
	fmt.Printf("║  下载文件: %-53s ║\n", cfg.Server.DownloadFile)
	fmt.Printf("║  上传文件: %-53s ║\n", cfg.Server.UploadFile)
	if ms != nil {
		fmt.Printf("║  Metrics: %-54s ║\n", fmt.Sprintf("%s%s", ms.Addr(), cfg.Metrics.Path))
	}
	if cfg.Capture.Enabled {
		fmt.Printf("║  抓包: %-57s ║\n", cfg.Capture.Path)
	}
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func printSummary(srv *session.Server, elapsed time.Duration) {
	stats := srv.GetStats()
	t := srv.TransportStats()
	fmt.Println()
	fmt.Printf("运行时间: %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("会话: %v (失败 %v)  下载: %v  上传: %v  无效请求: %v\n",
		stats["total_sessions"], stats["failed_sessions"], stats["downloads"], stats["uploads"], stats["invalid_requests"])
	fmt.Printf("段: 发送 %d 接收 %d  重传 %d (超时 %d, 快速 %d)  校验失败 %d\n",
		t.SegmentsSent, t.SegmentsReceived, t.Retransmits, t.TimeoutRetransmits, t.FastRetransmits, t.ChecksumErrors)
}
