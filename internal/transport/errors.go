// =============================================================================
// 文件: internal/transport/errors.go
// 描述: 可靠传输 - 错误定义
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// 错误定义
var (
	ErrEncoding         = fmt.Errorf("段编码失败")
	ErrDecoding         = fmt.Errorf("段解码失败")
	ErrChecksumMismatch = fmt.Errorf("校验和不匹配")
	ErrConnectionFailed = fmt.Errorf("连接建立失败")
	ErrConnClosed       = fmt.Errorf("连接已关闭")
	ErrConnNotReady     = fmt.Errorf("连接未建立")
	ErrConnTimeout      = fmt.Errorf("连接超时")
	ErrConnReset        = fmt.Errorf("连接被对端重置")
	ErrTeardownFailed   = fmt.Errorf("连接拆除未完成")
	ErrInvalidRequest   = fmt.Errorf("无效请求")
	ErrInvalidState     = fmt.Errorf("无效状态")
	ErrIdle             = fmt.Errorf("等待超时")
)

// errPollTimeout 单次读取超时 (内部使用)
var errPollTimeout = fmt.Errorf("读取超时")

// BindError 端口绑定失败
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("绑定 %s 失败: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// isTimeout 是否为读取超时
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isCorrupt 是否为损坏帧 (解码失败或校验和错误)
func isCorrupt(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrDecoding)
}
