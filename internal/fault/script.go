// =============================================================================
// 文件: internal/fault/script.go
// 描述: 故障注入 - 脚本注入器 (按调用次序给出确定决策)
// =============================================================================
package fault

import "sync"

// Script 按调用次序依次返回预设决策，耗尽后返回 false
type Script struct {
	DataCorrupt []bool
	DataLoss    []bool
	AckCorrupt  []bool
	AckLoss     []bool

	mu    sync.Mutex
	calls [4]int
}

const (
	scriptDataCorrupt = iota
	scriptDataLoss
	scriptAckCorrupt
	scriptAckLoss
)

func (s *Script) next(kind int, list []bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls[kind]
	s.calls[kind]++
	return i < len(list) && list[i]
}

func (s *Script) ShouldCorruptData() bool { return s.next(scriptDataCorrupt, s.DataCorrupt) }
func (s *Script) ShouldLoseData() bool    { return s.next(scriptDataLoss, s.DataLoss) }
func (s *Script) ShouldCorruptAck() bool  { return s.next(scriptAckCorrupt, s.AckCorrupt) }
func (s *Script) ShouldLoseAck() bool     { return s.next(scriptAckLoss, s.AckLoss) }

// Calls 各类决策被调用的次数: 数据损坏、数据丢失、确认损坏、确认丢失
func (s *Script) Calls() (dataCorrupt, dataLoss, ackCorrupt, ackLoss int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[0], s.calls[1], s.calls[2], s.calls[3]
}
