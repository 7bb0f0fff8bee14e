package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"finapi/pkg/breaker"
	"finapi/pkg/cache"
	"finapi/pkg/config"
	apperr "finapi/pkg/error"
	"finapi/pkg/limiter"
	"finapi/pkg/logger"
	"finapi/pkg/tracker"
)

const tracerName = "finapi/apiclient"

// FetchFunc 实际访问数据提供商的函数，对本包是不透明的
type FetchFunc func(ctx context.Context) (any, error)

// decodeFunc 把缓存中的 JSON 还原为调用方期望的值
type decodeFunc func(payload []byte) (any, error)

func decodeAny(payload []byte) (any, error) {
	var v any
	err := json.Unmarshal(payload, &v)
	return v, err
}

// Client 单个数据提供商的访问客户端。
// 每个 Client 拥有自己的令牌桶和熔断器，缓存和调用追踪在所有 Client 之间共享。
type Client struct {
	name    string
	cfg     config.ProviderConfig
	bucket  *limiter.TokenBucket
	breaker breaker.Breaker
	store   cache.Store
	tracker *tracker.Tracker

	isRateLimited limiter.RateLimitPredicate
	sleep         limiter.SleepFunc
	jitter        func() float64
	now           func() time.Time
	tracer        trace.Tracer
	log           *logrus.Entry
}

// NewClient 创建客户端，cfg 在此复制，之后的配置变更不影响该客户端。
// store 为 nil 时不读写缓存。
func NewClient(cfg config.ProviderConfig, store cache.Store, tr *tracker.Tracker, opts ...Option) *Client {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(&o)
	}

	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Client{
		name: cfg.Name,
		cfg:  cfg,
		bucket: limiter.NewTokenBucket(cfg.RequestsPerSecond,
			limiter.WithPollInterval(o.pollInterval),
			limiter.WithClock(o.now),
			limiter.WithSleep(o.sleep),
		),
		breaker: breaker.New(o.breakerEngine, breaker.Settings{
			Name:             cfg.Name,
			FailureThreshold: cfg.BreakerThreshold(),
			RecoveryTimeout:  cfg.RecoveryTimeout(),
		}),
		store:         store,
		tracker:       tr,
		isRateLimited: o.isRateLimited,
		sleep:         o.sleep,
		jitter:        o.jitter,
		now:           o.now,
		tracer:        tp.Tracer(tracerName),
		log:           logger.WithProvider("apiclient", cfg.Name),
	}
}

// Name 提供商名称
func (c *Client) Name() string {
	return c.name
}

// Config 客户端使用的配置副本
func (c *Client) Config() config.ProviderConfig {
	return c.cfg
}

// Healthy 熔断器处于 Closed 状态时视为健康
func (c *Client) Healthy() bool {
	return c.breaker.State() == breaker.StateClosed
}

// BreakerState 熔断器当前状态
func (c *Client) BreakerState() breaker.State {
	return c.breaker.State()
}

// CallWithCacheAndLimit 带熔断、缓存、限流和限流重试地执行 fetch。
//
// 返回 (结果, 是否成功)。失败细节只写入日志和调用追踪，不以 error 形式返回。
// 缓存命中时结果是 JSON 解码后的通用值(map[string]any、[]any 等)，
// 需要具体类型时使用 Fetch。
func (c *Client) CallWithCacheAndLimit(ctx context.Context, fetch FetchFunc, key string, opts ...CallOption) (any, bool) {
	return c.call(ctx, fetch, key, decodeAny, newCallOptions(opts))
}

func (c *Client) call(ctx context.Context, fetch FetchFunc, key string, decode decodeFunc, o callOptions) (any, bool) {
	if c.store == nil {
		o.useCache = false
	}
	ctx, span := c.tracer.Start(ctx, "apiclient.call", trace.WithAttributes(
		attribute.String("provider", c.name),
		attribute.String("cache.key", key),
		attribute.Bool("cache.enabled", o.useCache),
	))
	defer span.End()

	log := c.log.WithField("key", key)

	if !c.breaker.CanExecute() {
		log.Warn("熔断器已打开，拒绝请求")
		c.tracker.Record(c.name, key, tracker.StatusCircuitOpen, 0, "")
		finish(span, tracker.StatusCircuitOpen, 0)
		return nil, false
	}

	if o.useCache {
		if v, ok := c.lookup(ctx, key, decode, log); ok {
			c.tracker.Record(c.name, key, tracker.StatusCacheHit, 0, "")
			finish(span, tracker.StatusCacheHit, 0)
			return v, true
		}
	}

	if err := c.bucket.WaitIfNeeded(ctx); err != nil {
		log.WithError(err).Warn("等待令牌时调用被取消")
		c.tracker.Record(c.name, key, tracker.StatusError, 0, err.Error())
		finish(span, tracker.StatusError, 0)
		return nil, false
	}

	ttl := c.cfg.CacheTTLMinutes
	if o.ttlOverride > 0 {
		ttl = o.ttlOverride
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		start := c.now()
		value, err := invoke(ctx, fetch)
		elapsed := c.now().Sub(start)

		if err == nil {
			c.breaker.RecordSuccess()
			c.tracker.Record(c.name, key, tracker.StatusSuccess, elapsed, "")
			if o.useCache && !isNil(value) {
				c.save(ctx, key, value, ttl, log)
			}
			log.WithField("attempt", attempt+1).Infof("调用成功，耗时 %.2fs", elapsed.Seconds())
			finish(span, tracker.StatusSuccess, attempt+1)
			return value, true
		}
		lastErr = err

		// 调用方取消不算提供商故障
		if ctx.Err() != nil {
			log.WithError(err).Warn("调用被取消")
			c.tracker.Record(c.name, key, tracker.StatusError, elapsed, err.Error())
			finish(span, tracker.StatusError, attempt+1)
			return nil, false
		}

		if !apperr.HasCode(err, apperr.CodeFetchPanic) && c.isRateLimited(err) {
			c.tracker.Record(c.name, key, tracker.StatusRateLimited, 0, err.Error())
			if attempt < c.cfg.MaxRetries-1 {
				wait := c.backoff(attempt)
				log.WithFields(logrus.Fields{
					"attempt": attempt + 1,
					"code":    apperr.CodeRateLimited,
				}).Warnf("触发限流，%.1fs 后重试 (%d/%d)", wait.Seconds(), attempt+1, c.cfg.MaxRetries)
				if err := c.sleep(ctx, wait); err != nil {
					log.WithError(err).Warn("退避等待时调用被取消")
					c.tracker.Record(c.name, key, tracker.StatusError, 0, err.Error())
					finish(span, tracker.StatusError, attempt+1)
					return nil, false
				}
			}
			continue
		}

		c.breaker.RecordFailure()
		c.tracker.Record(c.name, key, tracker.StatusError, 0, err.Error())
		log.WithError(err).WithField("code", apperr.CodeFetchFailed).Error("调用失败")
		span.RecordError(err)
		finish(span, tracker.StatusError, attempt+1)
		return nil, false
	}

	c.breaker.RecordFailure()
	exhausted := apperr.WrapError(apperr.CodeRetriesExhausted,
		fmt.Sprintf("failed after %d attempts", c.cfg.MaxRetries), lastErr)
	log.WithField("code", apperr.CodeRetriesExhausted).Error(exhausted.Error())
	span.RecordError(exhausted)
	finish(span, tracker.StatusRateLimited, c.cfg.MaxRetries)
	return nil, false
}

// backoff 第 attempt 次失败后的等待时间：factor^attempt × (1 + jitter)
func (c *Client) backoff(attempt int) time.Duration {
	seconds := math.Pow(c.cfg.BackoffFactor, float64(attempt)) * (1 + c.jitter())
	return time.Duration(seconds * float64(time.Second))
}

// lookup 查询缓存，读失败或解码失败都按未命中处理
func (c *Client) lookup(ctx context.Context, key string, decode decodeFunc, log *logrus.Entry) (any, bool) {
	entry, ok, err := c.store.Get(ctx, c.name, key)
	if err != nil {
		log.WithError(err).Warn("读取缓存失败，按未命中处理")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	v, err := decode(entry.Payload)
	if err != nil {
		log.WithError(apperr.WrapError(apperr.CodeSerializeFailed, "decode cached payload", err)).
			Warn("缓存数据无法解码，按未命中处理")
		return nil, false
	}
	return v, true
}

// save 写入缓存，失败只记录日志
func (c *Client) save(ctx context.Context, key string, value any, ttl int, log *logrus.Entry) {
	payload, err := json.Marshal(value)
	if err != nil {
		log.WithError(apperr.WrapError(apperr.CodeSerializeFailed, "encode result", err)).
			Warn("结果无法序列化，跳过缓存")
		return
	}
	if err := c.store.Set(ctx, c.name, key, payload, ttl); err != nil {
		log.WithError(err).Warn("写入缓存失败")
	}
}

// invoke 调用 fetch，把 panic 转为错误
func invoke(ctx context.Context, fetch FetchFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = apperr.Newf(apperr.CodeFetchPanic, "fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}

func finish(span trace.Span, status tracker.Status, attempts int) {
	span.SetAttributes(
		attribute.String("outcome", string(status)),
		attribute.Int("attempts", attempts),
	)
	if status == tracker.StatusSuccess || status == tracker.StatusCacheHit {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(status))
	}
}
