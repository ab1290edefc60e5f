// =============================================================================
// 文件: internal/session/client.go
// 描述: 会话客户端 - 连接、请求、下载、上传、关闭
// =============================================================================
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mrcgq/rdt/internal/fileio"
	"github.com/mrcgq/rdt/internal/transport"
)

// Client 会话客户端
type Client struct {
	local  string
	remote string
	opts   transport.Options
	log    zerolog.Logger

	mu   sync.Mutex
	conn *transport.Conn
}

// NewClient 创建客户端，local 为本地绑定地址 (可为 ":0")
func NewClient(local, remote string, opts transport.Options) *Client {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		local:  local,
		remote: remote,
		opts:   opts,
		log:    logger.With().Str("component", "client").Logger(),
	}
}

// Connect 建立连接，握手失败返回 transport.ErrConnectionFailed，不重试
func (c *Client) Connect(ctx context.Context) error {
	conn, err := transport.Dial(ctx, c.local, c.remote, c.opts)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info().Str("remote", c.remote).Str("local", conn.LocalAddr().String()).Msg("已连接")
	return nil
}

// Conn 底层连接，未连接时为 nil
func (c *Client) Conn() *transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) established() (*transport.Conn, error) {
	conn := c.Conn()
	if conn == nil || !conn.IsEstablished() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// Request 发送任意请求，被拒绝时返回 transport.ErrInvalidRequest
func (c *Client) Request(ctx context.Context, name string) error {
	conn, err := c.established()
	if err != nil {
		return err
	}
	return conn.Request(ctx, name)
}

// Download 请求下载并接收完整数据
func (c *Client) Download(ctx context.Context) ([]byte, error) {
	conn, err := c.established()
	if err != nil {
		return nil, err
	}
	if err := conn.Request(ctx, transport.RequestDownload); err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := conn.ReceiveStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("下载失败: %w", err)
	}
	c.log.Info().Int("bytes", len(data)).Dur("elapsed", time.Since(start)).Msg("下载完成")
	return data, nil
}

// DownloadFile 下载并写入文件
func (c *Client) DownloadFile(ctx context.Context, path string) (int, error) {
	data, err := c.Download(ctx)
	if err != nil {
		return 0, err
	}
	if err := fileio.WriteAll(path, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Upload 请求上传并发送 src 的全部数据
func (c *Client) Upload(ctx context.Context, src transport.ChunkReader) error {
	conn, err := c.established()
	if err != nil {
		return err
	}
	if err := conn.Request(ctx, transport.RequestUpload); err != nil {
		return err
	}

	start := time.Now()
	if err := conn.SendStream(ctx, src); err != nil {
		return fmt.Errorf("上传失败: %w", err)
	}
	c.log.Info().Dur("elapsed", time.Since(start)).Msg("上传完成")
	return nil
}

// UploadBytes 上传内存数据
func (c *Client) UploadBytes(ctx context.Context, data []byte) error {
	return c.Upload(ctx, transport.NewBytesSource(data))
}

// UploadFile 上传文件，返回上传的字节数
func (c *Client) UploadFile(ctx context.Context, path string) (int64, error) {
	r, err := fileio.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	if err := c.Upload(ctx, r); err != nil {
		return r.BytesRead(), err
	}
	return r.BytesRead(), nil
}

// Close 拆除连接
// 拆除超时只记录日志，套接字总会被关闭
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close(ctx)
	if errors.Is(err, transport.ErrTeardownFailed) {
		c.log.Warn().Err(err).Msg("拆除未完成，已关闭本端")
		return nil
	}
	return err
}

// Stats 连接统计
func (c *Client) Stats() transport.Stats {
	conn := c.Conn()
	if conn == nil {
		return transport.Stats{State: transport.StateClosed.String()}
	}
	return conn.Stats()
}

// GetStats 获取统计信息
func (c *Client) GetStats() map[string]interface{} {
	conn := c.Conn()
	if conn == nil {
		return map[string]interface{}{"state": transport.StateClosed.String()}
	}
	return conn.GetStats()
}
