// =============================================================================
// 文件: internal/congestion/window.go
// 描述: 发送窗口 (按段计数): 每个新确认 +1，超时或快速重传减半
// =============================================================================
package congestion

// Window 段计数拥塞窗口
type Window struct {
	size int
	max  int

	// 统计
	increases uint64
	decreases uint64
}

// NewWindow 创建窗口，初始值与上限至少为 1
func NewWindow(initial, max int) *Window {
	if initial < 1 {
		initial = 1
	}
	if max < initial {
		max = initial
	}
	return &Window{size: initial, max: max}
}

// Size 当前窗口
func (w *Window) Size() int {
	return w.size
}

// OnAck 每个推进发送基线的确认使窗口 +1 (不超过上限)
func (w *Window) OnAck() {
	if w.size < w.max {
		w.size++
		w.increases++
	}
}

// OnLoss 超时或三次重复确认时减半，最小为 1
func (w *Window) OnLoss() {
	w.size = (w.size + 1) / 2
	if w.size < 1 {
		w.size = 1
	}
	w.decreases++
}

// GetStats 获取统计信息
func (w *Window) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"window":    w.size,
		"max":       w.max,
		"increases": w.increases,
		"decreases": w.decreases,
	}
}
