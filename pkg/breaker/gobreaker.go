package breaker

import (
	"github.com/sony/gobreaker"
)

// GoBreaker 基于 sony/gobreaker 两阶段熔断器的实现。
//
// 与 CircuitBreaker 的差异：
//   - 状态切换时 gobreaker 会清空计数，Failures 在熔断后归零
//   - Open 状态下记录的成功被忽略，只有恢复期过后的试探调用能关闭熔断器
type GoBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewGoBreaker 创建 gobreaker 熔断器
func NewGoBreaker(settings Settings) *GoBreaker {
	threshold := settings.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}

	st := gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1, // 半开状态只放行一次试探
		Timeout:     settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logStateChange(name, fromGoState(from), fromGoState(to))
		},
	}
	return &GoBreaker{cb: gobreaker.NewTwoStepCircuitBreaker(st)}
}

func fromGoState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// CanExecute 状态不是 Open 时允许调用
func (g *GoBreaker) CanExecute() bool {
	return g.cb.State() != gobreaker.StateOpen
}

// RecordSuccess 记录成功
func (g *GoBreaker) RecordSuccess() {
	g.record(true)
}

// RecordFailure 记录失败
func (g *GoBreaker) RecordFailure() {
	g.record(false)
}

func (g *GoBreaker) record(success bool) {
	done, err := g.cb.Allow()
	if err != nil {
		return
	}
	done(success)
}

// State 返回当前状态
func (g *GoBreaker) State() State {
	return fromGoState(g.cb.State())
}

// Failures 返回连续失败次数
func (g *GoBreaker) Failures() int {
	return int(g.cb.Counts().ConsecutiveFailures)
}

var _ Breaker = (*GoBreaker)(nil)
