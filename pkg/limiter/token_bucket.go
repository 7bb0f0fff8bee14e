package limiter

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	// DefaultPollInterval 等待令牌时的固定轮询间隔
	DefaultPollInterval = 10 * time.Millisecond
	// minCapacity 桶容量下限
	minCapacity = 10
	// burstSeconds 容量相当于多少秒的稳态请求
	burstSeconds = 10
)

// SleepFunc 可被上下文打断的休眠
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep 默认休眠实现
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TokenBucket 单个提供商的令牌桶限流器。
//
// 令牌按 rate 连续补充，最多累积 capacity 个，允许短时突发。
// 等待令牌采用固定间隔轮询，不保证等待者之间的公平性，
// 持续竞争下某个等待者可能一直拿不到令牌。
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	rate       float64
	lastRefill time.Time

	pollInterval time.Duration
	now          func() time.Time
	sleep        SleepFunc
}

// Option 令牌桶选项
type Option func(*TokenBucket)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) Option {
	return func(b *TokenBucket) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithClock 注入时钟，测试中用来模拟时间流逝
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) {
		if now != nil {
			b.now = now
		}
	}
}

// WithSleep 注入休眠函数
func WithSleep(sleep SleepFunc) Option {
	return func(b *TokenBucket) {
		if sleep != nil {
			b.sleep = sleep
		}
	}
}

// WithCapacity 覆盖默认容量 max(10, rps*10)
func WithCapacity(capacity float64) Option {
	return func(b *TokenBucket) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// NewTokenBucket 创建令牌桶，初始为满
func NewTokenBucket(requestsPerSecond float64, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		capacity:     math.Max(minCapacity, requestsPerSecond*burstSeconds),
		rate:         requestsPerSecond,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		sleep:        Sleep,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.tokens = b.capacity
	b.lastRefill = b.now()
	return b
}

// refill 按流逝时间补充令牌，调用方必须持有锁
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	}
	b.lastRefill = now
}

// TryAcquire 尝试立即获取 n 个令牌，不阻塞
func (b *TokenBucket) TryAcquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	need := float64(n)
	if need <= 0 {
		return true
	}
	if b.tokens >= need {
		b.tokens -= need
		return true
	}
	return false
}

// Acquire 获取 n 个令牌，拿不到时按固定间隔轮询。
// timeout > 0 时超过等待时长返回 false；ctx 结束时同样返回 false；
// 返回 false 时不消耗任何令牌。n 超过容量永远无法满足，直接返回 false。
func (b *TokenBucket) Acquire(ctx context.Context, n int, timeout time.Duration) bool {
	if float64(n) > b.capacity {
		return false
	}

	start := b.now()
	for {
		if b.TryAcquire(n) {
			return true
		}
		if timeout > 0 && b.now().Sub(start) >= timeout {
			return false
		}
		if err := b.sleep(ctx, b.pollInterval); err != nil {
			return false
		}
	}
}

// WaitIfNeeded 阻塞直到拿到一个令牌，只有 ctx 结束时才返回错误
func (b *TokenBucket) WaitIfNeeded(ctx context.Context) error {
	if b.Acquire(ctx, 1, 0) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// Tokens 当前可用令牌数(含补充)
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Capacity 桶容量
func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}

// Rate 每秒补充的令牌数
func (b *TokenBucket) Rate() float64 {
	return b.rate
}
