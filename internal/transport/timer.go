// =============================================================================
// 文件: internal/transport/timer.go
// 描述: 可靠传输 - 重传定时器 (轮询式，无后台协程)
// =============================================================================
package transport

import "time"

// TimerState 定时器状态
type TimerState uint8

const (
	TimerIdle TimerState = iota
	TimerRunning
	TimerExpired
)

func (s TimerState) String() string {
	switch s {
	case TimerRunning:
		return "running"
	case TimerExpired:
		return "expired"
	default:
		return "idle"
	}
}

// Timer 截止时间定时器
// 过期后 Expired 持续返回 true，直到 Start/Restart/Stop
type Timer struct {
	now      func() time.Time
	duration time.Duration
	deadline time.Time
	state    TimerState
}

// NewTimer 创建定时器
func NewTimer() *Timer {
	return NewTimerWithClock(time.Now)
}

// NewTimerWithClock 使用指定时钟创建定时器
func NewTimerWithClock(now func() time.Time) *Timer {
	return &Timer{now: now}
}

// Start 以时长 d 启动 (或重启) 定时器
func (t *Timer) Start(d time.Duration) {
	t.duration = d
	t.deadline = t.now().Add(d)
	t.state = TimerRunning
}

// Restart 以上一次的时长重启
func (t *Timer) Restart() {
	t.Start(t.duration)
}

// Stop 停止定时器
func (t *Timer) Stop() {
	t.state = TimerIdle
	t.deadline = time.Time{}
}

// Expired 轮询是否已过期
func (t *Timer) Expired() bool {
	if t.state == TimerRunning && !t.now().Before(t.deadline) {
		t.state = TimerExpired
	}
	return t.state == TimerExpired
}

// State 当前状态 (会先轮询一次)
func (t *Timer) State() TimerState {
	t.Expired()
	return t.state
}

// Running 是否在计时中
func (t *Timer) Running() bool {
	return t.State() == TimerRunning
}

// Deadline 截止时间，仅在计时中有效
func (t *Timer) Deadline() (time.Time, bool) {
	if t.state != TimerRunning {
		return time.Time{}, false
	}
	return t.deadline, true
}

// Duration 最近一次启动使用的时长
func (t *Timer) Duration() time.Duration {
	return t.duration
}
