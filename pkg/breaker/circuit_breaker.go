package breaker

import (
	"sync"
	"time"
)

// CircuitBreaker 基于连续失败计数的熔断器。
//
// 失败次数达到阈值后进入 Open；距最后一次失败超过恢复时间后，
// 下一次读取状态时惰性转为 HalfOpen。任何状态下的成功都会关闭熔断器，
// HalfOpen 下的失败会重新打开并重新计时。
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	state            State
	failures         int
	lastFailure      time.Time
	failureThreshold int
	recoveryTimeout  time.Duration

	now func() time.Time
}

// Option 熔断器选项
type Option func(*CircuitBreaker)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// NewCircuitBreaker 创建熔断器，初始为 Closed
func NewCircuitBreaker(settings Settings, opts ...Option) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = 60 * time.Second
	}

	cb := &CircuitBreaker{
		name:             settings.Name,
		state:            StateClosed,
		failureThreshold: settings.FailureThreshold,
		recoveryTimeout:  settings.RecoveryTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// currentState 计算当前状态，调用方必须持有锁
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.recoveryTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	logStateChange(cb.name, from, to)
}

// CanExecute 状态不是 Open 时允许调用
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState() != StateOpen
}

// RecordSuccess 清零失败计数并关闭熔断器
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(StateClosed)
}

// RecordFailure 失败计数加一，达到阈值时打开熔断器
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.now()
	if cb.failures >= cb.failureThreshold {
		cb.setState(StateOpen)
	}
}

// State 返回观察到的状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Failures 返回连续失败次数
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

var _ Breaker = (*CircuitBreaker)(nil)
