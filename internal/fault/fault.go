// =============================================================================
// 文件: internal/fault/fault.go
// 描述: 故障注入 - 按百分比对数据段与确认段施加丢失和损坏
// =============================================================================
package fault

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/rand"
)

// ErrInvalidProfile 百分比超出 [0,100]
var ErrInvalidProfile = fmt.Errorf("无效的故障配置")

// Injector 故障注入接口
// 每次调用独立决策，发送方只对数据段调用 Data 系列，接收方只对确认段调用 Ack 系列
type Injector interface {
	ShouldCorruptData() bool
	ShouldLoseData() bool
	ShouldCorruptAck() bool
	ShouldLoseAck() bool
}

// Profile 故障百分比 (0-100)
type Profile struct {
	DataCorrupt int    `yaml:"data_corrupt"`
	DataLoss    int    `yaml:"data_loss"`
	AckCorrupt  int    `yaml:"ack_corrupt"`
	AckLoss     int    `yaml:"ack_loss"`
	Seed        uint64 `yaml:"seed"`
}

// Validate 校验百分比范围
func (p Profile) Validate() error {
	fields := []struct {
		name  string
		value int
	}{
		{"data_corrupt", p.DataCorrupt},
		{"data_loss", p.DataLoss},
		{"ack_corrupt", p.AckCorrupt},
		{"ack_loss", p.AckLoss},
	}
	for _, f := range fields {
		if f.value < 0 || f.value > 100 {
			return fmt.Errorf("%w: %s=%d 不在 [0,100] 内", ErrInvalidProfile, f.name, f.value)
		}
	}
	return nil
}

// IsZero 是否不施加任何故障
func (p Profile) IsZero() bool {
	return p.DataCorrupt == 0 && p.DataLoss == 0 && p.AckCorrupt == 0 && p.AckLoss == 0
}

func (p Profile) String() string {
	return fmt.Sprintf("data_corrupt=%d%% data_loss=%d%% ack_corrupt=%d%% ack_loss=%d%%",
		p.DataCorrupt, p.DataLoss, p.AckCorrupt, p.AckLoss)
}

// =============================================================================
// 随机注入器
// =============================================================================

// Random 伯努利注入器，随机源由调用方提供以便复现
type Random struct {
	profile Profile

	rng *rand.Rand
	mu  sync.Mutex

	// 统计
	decisions uint64
	injected  uint64
}

// New 创建随机注入器
func New(p Profile, rng *rand.Rand) (*Random, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(p.Seed))
	}
	return &Random{profile: p, rng: rng}, nil
}

// FromProfile 按配置创建注入器，全零配置返回 None
func FromProfile(p Profile) (Injector, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.IsZero() {
		return None(), nil
	}
	return New(p, rand.New(rand.NewSource(p.Seed)))
}

// roll 以 pct% 的概率返回 true (抽取 [1,100] 的整数)
func (r *Random) roll(pct int) bool {
	r.mu.Lock()
	n := r.rng.Intn(100) + 1
	r.mu.Unlock()

	atomic.AddUint64(&r.decisions, 1)
	if n <= pct {
		atomic.AddUint64(&r.injected, 1)
		return true
	}
	return false
}

func (r *Random) ShouldCorruptData() bool { return r.roll(r.profile.DataCorrupt) }
func (r *Random) ShouldLoseData() bool    { return r.roll(r.profile.DataLoss) }
func (r *Random) ShouldCorruptAck() bool  { return r.roll(r.profile.AckCorrupt) }
func (r *Random) ShouldLoseAck() bool     { return r.roll(r.profile.AckLoss) }

// Profile 当前配置
func (r *Random) Profile() Profile {
	return r.profile
}

// GetStats 获取统计信息
func (r *Random) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"profile":   r.profile.String(),
		"decisions": atomic.LoadUint64(&r.decisions),
		"injected":  atomic.LoadUint64(&r.injected),
	}
}

// =============================================================================
// 无故障
// =============================================================================

type none struct{}

// None 从不注入故障
func None() Injector { return none{} }

func (none) ShouldCorruptData() bool { return false }
func (none) ShouldLoseData() bool    { return false }
func (none) ShouldCorruptAck() bool  { return false }
func (none) ShouldLoseAck() bool     { return false }

// =============================================================================
// 帧损坏
// =============================================================================

// Corrupt 返回翻转了末字节的副本，原帧不变
func Corrupt(frame []byte) []byte {
	out := make([]byte, len(frame))
	copy(out, frame)
	if len(out) > 0 {
		out[len(out)-1] ^= 0xFF
	}
	return out
}
