// =============================================================================
// 文件: internal/congestion/rtt.go
// 描述: RTT 测量与重传超时估算 (指数加权平均)
// =============================================================================
package congestion

import (
	"sync"
	"time"
)

const (
	// RTT 常量
	rttAlpha       = 0.125 // 估算值平滑因子 (1/8)
	rttBeta        = 0.25  // 偏差平滑因子 (1/4)
	defaultInitRTT = 100 * time.Millisecond
	defaultMinRTO  = 100 * time.Millisecond
	defaultMaxRTO  = 5 * time.Second
)

// RTTEstimator RTT 估算器
type RTTEstimator struct {
	// 核心 RTT 值
	estimated time.Duration // 估算 RTT
	deviation time.Duration // RTT 偏差
	latestRTT time.Duration // 最新采样
	minRTT    time.Duration // 最小采样
	maxRTT    time.Duration // 最大采样

	// 超时边界
	minRTO time.Duration
	maxRTO time.Duration

	// 统计
	totalSamples uint64

	mu sync.RWMutex
}

// NewRTTEstimator 创建 RTT 估算器 (估算 100ms，偏差 0)
func NewRTTEstimator() *RTTEstimator {
	return NewRTTEstimatorWithBounds(defaultInitRTT, defaultMinRTO, defaultMaxRTO)
}

// NewRTTEstimatorWithBounds 指定初始估算值与超时上下限
func NewRTTEstimatorWithBounds(initRTT, minRTO, maxRTO time.Duration) *RTTEstimator {
	if initRTT <= 0 {
		initRTT = defaultInitRTT
	}
	if minRTO <= 0 {
		minRTO = defaultMinRTO
	}
	if maxRTO < minRTO {
		maxRTO = minRTO
	}
	return &RTTEstimator{
		estimated: initRTT,
		minRTO:    minRTO,
		maxRTO:    maxRTO,
	}
}

// Update 以一次采样更新估算值，返回新的超时
// est = (1-α)·est + α·s，随后 dev = (1-β)·dev + β·|s - est|
func (r *RTTEstimator) Update(sample time.Duration) time.Duration {
	if sample < 0 {
		sample = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.latestRTT = sample
	r.totalSamples++

	if r.minRTT == 0 || sample < r.minRTT {
		r.minRTT = sample
	}
	if sample > r.maxRTT {
		r.maxRTT = sample
	}

	r.estimated = time.Duration(
		float64(r.estimated)*(1-rttAlpha) + float64(sample)*rttAlpha,
	)

	diff := sample - r.estimated
	if diff < 0 {
		diff = -diff
	}
	r.deviation = time.Duration(
		float64(r.deviation)*(1-rttBeta) + float64(diff)*rttBeta,
	)

	return r.timeoutLocked()
}

// GetRTO 当前重传超时: est + 4·dev，限制在 [minRTO, maxRTO]
func (r *RTTEstimator) GetRTO() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timeoutLocked()
}

func (r *RTTEstimator) timeoutLocked() time.Duration {
	rto := r.estimated + 4*r.deviation
	if rto < r.minRTO {
		rto = r.minRTO
	}
	if rto > r.maxRTO {
		rto = r.maxRTO
	}
	return rto
}

// GetSmoothedRTT 获取估算 RTT
func (r *RTTEstimator) GetSmoothedRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.estimated
}

// GetRTTVariance 获取 RTT 偏差
func (r *RTTEstimator) GetRTTVariance() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deviation
}

// GetLatestRTT 获取最新 RTT
func (r *RTTEstimator) GetLatestRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestRTT
}

// GetMinRTT 获取最小 RTT
func (r *RTTEstimator) GetMinRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.minRTT == 0 {
		return r.estimated
	}
	return r.minRTT
}

// GetStats 获取统计信息
func (r *RTTEstimator) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]interface{}{
		"srtt_ms":       r.estimated.Milliseconds(),
		"rtt_var_ms":    r.deviation.Milliseconds(),
		"latest_rtt_ms": r.latestRTT.Milliseconds(),
		"min_rtt_ms":    r.minRTT.Milliseconds(),
		"max_rtt_ms":    r.maxRTT.Milliseconds(),
		"rto_ms":        r.timeoutLocked().Milliseconds(),
		"total_samples": r.totalSamples,
	}
}
