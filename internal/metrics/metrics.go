// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 会话记录器 - 进程内的会话与传输统计
// =============================================================================
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// historyLimit 保留的传输记录条数
const historyLimit = 100

// Recorder 会话记录器
type Recorder struct {
	// 会话统计
	activeSessions int64
	totalSessions  uint64
	failedSessions uint64

	// 请求统计
	downloads       uint64
	uploads         uint64
	invalidRequests uint64

	// 流量统计
	bytesSent     uint64
	bytesReceived uint64

	// 传输历史
	history []TransferRecord

	// 启动时间
	startTime time.Time

	mu sync.RWMutex
}

// TransferRecord 单次传输记录
type TransferRecord struct {
	Timestamp time.Time
	Peer      string
	Kind      string
	Bytes     int
	Duration  time.Duration
	Err       string
}

// NewRecorder 创建会话记录器
func NewRecorder() *Recorder {
	return &Recorder{
		startTime: time.Now(),
		history:   make([]TransferRecord, 0, historyLimit),
	}
}

// =============================================================================
// 会话统计
// =============================================================================

// SessionOpened 会话建立
func (r *Recorder) SessionOpened() {
	atomic.AddInt64(&r.activeSessions, 1)
	atomic.AddUint64(&r.totalSessions, 1)
}

// SessionClosed 会话结束
func (r *Recorder) SessionClosed(failed bool) {
	atomic.AddInt64(&r.activeSessions, -1)
	if failed {
		atomic.AddUint64(&r.failedSessions, 1)
	}
}

// ActiveSessions 活跃会话数
func (r *Recorder) ActiveSessions() int64 {
	return atomic.LoadInt64(&r.activeSessions)
}

// TotalSessions 累计会话数
func (r *Recorder) TotalSessions() uint64 {
	return atomic.LoadUint64(&r.totalSessions)
}

// FailedSessions 异常结束的会话数
func (r *Recorder) FailedSessions() uint64 {
	return atomic.LoadUint64(&r.failedSessions)
}

// InvalidRequest 记录无效请求
func (r *Recorder) InvalidRequest() {
	atomic.AddUint64(&r.invalidRequests, 1)
}

// InvalidRequests 无效请求数
func (r *Recorder) InvalidRequests() uint64 {
	return atomic.LoadUint64(&r.invalidRequests)
}

// =============================================================================
// 传输统计
// =============================================================================

// RecordTransfer 记录一次传输
func (r *Recorder) RecordTransfer(rec TransferRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Err == "" {
		switch rec.Kind {
		case "download":
			atomic.AddUint64(&r.downloads, 1)
			atomic.AddUint64(&r.bytesSent, uint64(rec.Bytes))
		case "upload":
			atomic.AddUint64(&r.uploads, 1)
			atomic.AddUint64(&r.bytesReceived, uint64(rec.Bytes))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.history) >= historyLimit {
		r.history = r.history[1:]
	}
	r.history = append(r.history, rec)
}

// Downloads 成功的下载次数
func (r *Recorder) Downloads() uint64 {
	return atomic.LoadUint64(&r.downloads)
}

// Uploads 成功的上传次数
func (r *Recorder) Uploads() uint64 {
	return atomic.LoadUint64(&r.uploads)
}

// BytesSent 下载方向的载荷字节
func (r *Recorder) BytesSent() uint64 {
	return atomic.LoadUint64(&r.bytesSent)
}

// BytesReceived 上传方向的载荷字节
func (r *Recorder) BytesReceived() uint64 {
	return atomic.LoadUint64(&r.bytesReceived)
}

// History 最近的传输记录（倒序）
func (r *Recorder) History(limit int) []TransferRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}

	result := make([]TransferRecord, limit)
	for i := 0; i < limit; i++ {
		result[i] = r.history[len(r.history)-1-i]
	}
	return result
}

// Uptime 运行时间
func (r *Recorder) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// GetStats 获取所有统计信息
func (r *Recorder) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":           r.Uptime().String(),
		"active_sessions":  r.ActiveSessions(),
		"total_sessions":   r.TotalSessions(),
		"failed_sessions":  r.FailedSessions(),
		"downloads":        r.Downloads(),
		"uploads":          r.Uploads(),
		"invalid_requests": r.InvalidRequests(),
		"bytes_sent":       r.BytesSent(),
		"bytes_received":   r.BytesReceived(),
	}
}
