package apiclient

import (
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/trace"

	"finapi/pkg/breaker"
	"finapi/pkg/limiter"
)

// maxJitter 退避时间的随机抖动上限(比例)
const maxJitter = 0.2

// CallOption 单次调用选项
type CallOption func(*callOptions)

type callOptions struct {
	useCache    bool
	ttlOverride int
}

// WithoutCache 跳过缓存读取和写入
func WithoutCache() CallOption {
	return func(o *callOptions) {
		o.useCache = false
	}
}

// WithTTL 覆盖本次写入缓存的有效期(分钟)，只有大于0时生效
func WithTTL(minutes int) CallOption {
	return func(o *callOptions) {
		if minutes > 0 {
			o.ttlOverride = minutes
		}
	}
}

func newCallOptions(opts []CallOption) callOptions {
	o := callOptions{useCache: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option Client 构造选项，Registry 会把同一组选项应用到它创建的每个 Client
type Option func(*clientOptions)

type clientOptions struct {
	breakerEngine  string
	pollInterval   time.Duration
	isRateLimited  limiter.RateLimitPredicate
	sleep          limiter.SleepFunc
	jitter         func() float64
	now            func() time.Time
	tracerProvider trace.TracerProvider
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		breakerEngine: breaker.EngineNative,
		pollInterval:  limiter.DefaultPollInterval,
		isRateLimited: limiter.IsRateLimited,
		sleep:         limiter.Sleep,
		jitter:        func() float64 { return rand.Float64() * maxJitter },
		now:           time.Now,
	}
}

// WithBreakerEngine 选择熔断器实现(native 或 gobreaker)
func WithBreakerEngine(engine string) Option {
	return func(o *clientOptions) {
		if engine != "" {
			o.breakerEngine = engine
		}
	}
}

// WithPollInterval 设置令牌桶轮询间隔
func WithPollInterval(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithRateLimitPredicate 替换限流错误判断
func WithRateLimitPredicate(pred limiter.RateLimitPredicate) Option {
	return func(o *clientOptions) {
		if pred != nil {
			o.isRateLimited = pred
		}
	}
}

// WithSleep 替换退避和令牌等待使用的休眠函数
func WithSleep(sleep limiter.SleepFunc) Option {
	return func(o *clientOptions) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithJitter 替换抖动来源，返回值应在 [0, 0.2) 内
func WithJitter(jitter func() float64) Option {
	return func(o *clientOptions) {
		if jitter != nil {
			o.jitter = jitter
		}
	}
}

// WithClock 注入时钟，用于响应时间和令牌桶补充
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTracerProvider 指定 OpenTelemetry TracerProvider，默认使用全局实例
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *clientOptions) {
		o.tracerProvider = tp
	}
}
