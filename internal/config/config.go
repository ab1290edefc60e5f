// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 传输参数、故障注入、服务端/客户端文件、metrics 与抓包
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/rdt/internal/fault"
	"github.com/mrcgq/rdt/internal/transport"
)

// Config 主配置
type Config struct {
	Listen    string `yaml:"listen"`
	Remote    string `yaml:"remote"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Transport TransportConfig `yaml:"transport"`
	Fault     fault.Profile   `yaml:"fault"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Capture   CaptureConfig   `yaml:"capture"`
}

// TransportConfig 可靠传输参数 (时间单位为毫秒)
type TransportConfig struct {
	FrameSize          int `yaml:"frame_size"`
	InitialWindow      int `yaml:"initial_window"`
	MaxWindow          int `yaml:"max_window"`
	InitialRTTMs       int `yaml:"initial_rtt_ms"`
	RTOMinMs           int `yaml:"rto_min_ms"`
	RTOMaxMs           int `yaml:"rto_max_ms"`
	MaxRetries         int `yaml:"max_retries"`
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
	RecvTimeoutMs      int `yaml:"recv_timeout_ms"`
	IdleLimit          int `yaml:"idle_limit"`
	TeardownTimeoutMs  int `yaml:"teardown_timeout_ms"`
	PollIntervalMs     int `yaml:"poll_interval_ms"`
	RecvBuffer         int `yaml:"recv_buffer"`
	RecvWindow         int `yaml:"recv_window"`
}

// ServerConfig 服务端文件与会话上限
type ServerConfig struct {
	DownloadFile string `yaml:"download_file"`
	UploadFile   string `yaml:"upload_file"`
	MaxSessions  int    `yaml:"max_sessions"`
}

// ClientConfig 客户端文件
type ClientConfig struct {
	DownloadFile string `yaml:"download_file"`
	UploadFile   string `yaml:"upload_file"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// CaptureConfig 抓包配置
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.syncRelatedConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Listen:    ":54321",
		Remote:    "127.0.0.1:54321",
		LogLevel:  "info",
		LogFormat: "text",

		Transport: TransportConfig{
			FrameSize:          transport.DefaultFrameSize,
			InitialWindow:      transport.DefaultInitialWindow,
			MaxWindow:          transport.DefaultMaxWindow,
			InitialRTTMs:       int(transport.DefaultInitialRTT / time.Millisecond),
			RTOMinMs:           int(transport.DefaultRTOMin / time.Millisecond),
			RTOMaxMs:           int(transport.DefaultRTOMax / time.Millisecond),
			MaxRetries:         transport.DefaultMaxRetries,
			HandshakeTimeoutMs: int(transport.DefaultHandshakeTimeout / time.Millisecond),
			RecvTimeoutMs:      int(transport.DefaultRecvTimeout / time.Millisecond),
			IdleLimit:          transport.DefaultIdleLimit,
			TeardownTimeoutMs:  int(transport.DefaultTeardownTimeout / time.Millisecond),
			PollIntervalMs:     int(transport.DefaultPollInterval / time.Millisecond),
			RecvBuffer:         transport.DefaultRecvBufferSize,
			RecvWindow:         transport.DefaultRecvWindow,
		},

		Server: ServerConfig{
			DownloadFile: "data/download.bin",
			UploadFile:   "data/upload.bin",
		},

		Client: ClientConfig{
			DownloadFile: "received.bin",
		},

		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},

		Capture: CaptureConfig{
			Enabled: false,
			Path:    "rdt.pcap",
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	// 验证监听地址
	mainPort, err := parsePort(c.Listen)
	if err != nil {
		return fmt.Errorf("listen 格式错误: %w", err)
	}

	if c.Remote != "" {
		if _, _, err := net.SplitHostPort(c.Remote); err != nil {
			return fmt.Errorf("remote 格式错误: %w", err)
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level 无效: %s (可选: debug, info, warn, error)", c.LogLevel)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format 无效: %s (可选: text, json)", c.LogFormat)
	}

	if err := c.validateTransportConfig(); err != nil {
		return err
	}

	if err := c.Fault.Validate(); err != nil {
		return fmt.Errorf("fault 配置错误: %w", err)
	}

	if c.Server.MaxSessions < 0 {
		return fmt.Errorf("server.max_sessions 不能为负数")
	}

	// 验证 Metrics
	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 格式错误: %w", err)
		}
		if metricsPort != 0 && metricsPort == mainPort {
			return fmt.Errorf("端口冲突: metrics.listen (%d) 与 listen (%d) 相同", metricsPort, mainPort)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") || !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics.path 与 metrics.health_path 必须以 / 开头")
		}
		if c.Metrics.Path == c.Metrics.HealthPath {
			return fmt.Errorf("metrics.path 与 metrics.health_path 冲突")
		}
	}

	if c.Capture.Enabled && c.Capture.Path == "" {
		return fmt.Errorf("capture.path 不能为空")
	}

	return nil
}

func (c *Config) validateTransportConfig() error {
	t := c.Transport

	if t.FrameSize <= transport.HeaderSize || t.FrameSize > 65507 {
		return fmt.Errorf("transport.frame_size 需在 %d-65507 之间", transport.HeaderSize+1)
	}
	if t.InitialWindow < 1 {
		return fmt.Errorf("transport.initial_window 必须至少为 1")
	}
	if t.MaxWindow < t.InitialWindow {
		return fmt.Errorf("transport.max_window (%d) 不能小于 initial_window (%d)", t.MaxWindow, t.InitialWindow)
	}
	if t.RTOMinMs < 1 {
		return fmt.Errorf("transport.rto_min_ms 必须大于 0")
	}
	if t.RTOMaxMs < t.RTOMinMs {
		return fmt.Errorf("transport.rto_max_ms (%d) 不能小于 rto_min_ms (%d)", t.RTOMaxMs, t.RTOMinMs)
	}
	if t.InitialRTTMs < 1 {
		return fmt.Errorf("transport.initial_rtt_ms 必须大于 0")
	}
	if t.MaxRetries < 1 {
		return fmt.Errorf("transport.max_retries 必须至少为 1")
	}
	if t.HandshakeTimeoutMs < 1 || t.RecvTimeoutMs < 1 || t.TeardownTimeoutMs < 1 {
		return fmt.Errorf("transport 超时参数必须大于 0")
	}
	if t.IdleLimit < 1 {
		return fmt.Errorf("transport.idle_limit 必须至少为 1")
	}
	if t.PollIntervalMs < 1 {
		return fmt.Errorf("transport.poll_interval_ms 必须大于 0")
	}
	if t.RecvBuffer < 1 {
		return fmt.Errorf("transport.recv_buffer 必须至少为 1")
	}
	if t.RecvWindow < 0 || t.RecvWindow > 65535 {
		return fmt.Errorf("transport.recv_window 需在 0-65535 之间")
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)

	// 初始 RTT 不低于 RTO 下限
	if c.Transport.InitialRTTMs < c.Transport.RTOMinMs {
		c.Transport.InitialRTTMs = c.Transport.RTOMinMs
	}

	// 同步默认值
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
}

// ConnConfig 转换为传输层连接配置
func (c *Config) ConnConfig() *transport.ConnConfig {
	t := c.Transport
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return &transport.ConnConfig{
		FrameSize:        t.FrameSize,
		RecvWindow:       uint16(t.RecvWindow),
		InitialWindow:    t.InitialWindow,
		MaxWindow:        t.MaxWindow,
		InitialRTT:       ms(t.InitialRTTMs),
		RTOMin:           ms(t.RTOMinMs),
		RTOMax:           ms(t.RTOMaxMs),
		MaxRetries:       t.MaxRetries,
		HandshakeTimeout: ms(t.HandshakeTimeoutMs),
		RecvTimeout:      ms(t.RecvTimeoutMs),
		IdleLimit:        t.IdleLimit,
		TeardownTimeout:  ms(t.TeardownTimeoutMs),
		PollInterval:     ms(t.PollIntervalMs),
		RecvBufferSize:   t.RecvBuffer,
	}
}

// Profile 故障注入配置
func (c *Config) Profile() fault.Profile {
	return c.Fault
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// GetListenPort 获取监听端口
func (c *Config) GetListenPort() int {
	port, _ := parsePort(c.Listen)
	return port
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# RDT 配置文件示例
# =============================================================================

# 基础配置
listen: ":54321"                    # 服务端监听地址
remote: "127.0.0.1:54321"           # 客户端连接的服务端地址
log_level: "info"                   # 日志级别: debug, info, warn, error
log_format: "text"                  # 日志格式: text, json

# 可靠传输参数
transport:
  frame_size: 1024                  # 整帧上限 (MSS = frame_size - 18)
  initial_window: 1                 # 初始发送窗口 (段)
  max_window: 64                    # 发送窗口上限 (段)
  initial_rtt_ms: 100               # 初始 RTT 估计
  rto_min_ms: 100                   # 最小重传超时 (毫秒)
  rto_max_ms: 5000                  # 最大重传超时 (毫秒)
  max_retries: 50                   # 单个请求的最大重发次数
  handshake_timeout_ms: 2000        # 握手超时
  recv_timeout_ms: 2000             # 单次接收超时
  idle_limit: 6                     # 连续接收超时次数上限
  teardown_timeout_ms: 2000         # 拆除超时
  poll_interval_ms: 50              # 发送循环轮询间隔
  recv_buffer: 512                  # 乱序段缓存上限
  recv_window: 4096                 # 通告窗口字段

# 故障注入 (百分比 0-100)，修改后从下一个会话生效
fault:
  data_corrupt: 0
  data_loss: 0
  ack_corrupt: 0
  ack_loss: 0
  seed: 0                           # 随机种子，相同种子可复现

# 服务端
server:
  download_file: "data/download.bin"  # 下载请求发送的文件
  upload_file: "data/upload.bin"      # 上传请求写入的文件
  max_sessions: 0                     # 服务会话数上限，0 表示不限

# 客户端
client:
  download_file: "received.bin"     # 下载内容保存位置
  upload_file: ""                   # 需要上传的文件，留空则跳过

# 监控
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false

# 抓包 (pcap，链路类型 RAW)
capture:
  enabled: false
  path: "rdt.pcap"
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
