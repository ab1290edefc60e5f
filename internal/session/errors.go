// =============================================================================
// 文件: internal/session/errors.go
// 描述: 会话层错误定义
// =============================================================================
package session

import "fmt"

var (
	ErrNotConnected = fmt.Errorf("会话未连接")
	ErrNotListening = fmt.Errorf("服务端未监听")
	ErrHandler      = fmt.Errorf("处理器错误")
)
