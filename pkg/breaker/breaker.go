package breaker

import (
	"fmt"
	"time"

	"finapi/pkg/logger"
)

// State 熔断器状态
type State int

const (
	StateClosed   State = iota // 正常放行
	StateOpen                  // 熔断，拒绝所有调用
	StateHalfOpen              // 恢复期已过，允许试探调用
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Breaker 单个提供商的熔断器
type Breaker interface {
	// CanExecute 当前是否允许发起调用
	CanExecute() bool
	// RecordSuccess 记录一次成功
	RecordSuccess()
	// RecordFailure 记录一次失败
	RecordFailure()
	// State 观察到的当前状态
	State() State
	// Failures 连续失败次数
	Failures() int
}

// 熔断器实现名称
const (
	EngineNative    = "native"
	EngineGoBreaker = "gobreaker"
)

// Settings 熔断器参数
type Settings struct {
	Name             string
	FailureThreshold int           // 连续失败多少次后熔断
	RecoveryTimeout  time.Duration // 熔断多久后进入半开
}

// New 按实现名称创建熔断器，未知名称使用 native
func New(engine string, settings Settings) Breaker {
	switch engine {
	case EngineGoBreaker:
		return NewGoBreaker(settings)
	default:
		return NewCircuitBreaker(settings)
	}
}

// logStateChange 记录状态变化
func logStateChange(name string, from, to State) {
	logger.WithComponent("breaker").WithField("provider", name).
		Infof("熔断器状态从 %s 变更为 %s", from, to)
}
