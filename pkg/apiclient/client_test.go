package apiclient

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"finapi/pkg/breaker"
	"finapi/pkg/cache"
	"finapi/pkg/config"
	"finapi/pkg/tracker"
)

// sleepRecorder 记录退避时长，不真正休眠
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return nil
}

func (r *sleepRecorder) Sleeps() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

type testEnv struct {
	store   *cache.SQLiteStore
	tracker *tracker.Tracker
	sleeper *sleepRecorder
	rates   *config.RateTable
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := cache.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &testEnv{
		store:   store,
		tracker: tracker.New(100),
		sleeper: &sleepRecorder{},
		rates:   config.NewRateTable(),
	}
}

func (e *testEnv) options(extra ...Option) []Option {
	opts := []Option{
		WithSleep(e.sleeper.Sleep),
		WithJitter(func() float64 { return 0.1 }),
	}
	return append(opts, extra...)
}

func (e *testEnv) client(name string, extra ...Option) *Client {
	return NewClient(e.rates.Get(name), e.store, e.tracker, e.options(extra...)...)
}

func statuses(records []tracker.CallRecord) []tracker.Status {
	out := make([]tracker.Status, 0, len(records))
	for _, r := range records {
		out = append(out, r.Status)
	}
	return out
}

func TestClient_限流重试后成功并写入缓存(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client("finnhub")

	var calls int32
	fetch := func(ctx context.Context) (any, error) {
		switch atomic.AddInt32(&calls, 1) {
		case 1, 2:
			return nil, errors.New("HTTP 429 Too Many Requests")
		default:
			return map[string]any{"symbol": "AAPL", "price": 189.5}, nil
		}
	}

	v, ok := c.CallWithCacheAndLimit(ctx, fetch, "AAPL_quote")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"symbol": "AAPL", "price": 189.5}, v)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	assert.Equal(t, []tracker.Status{
		tracker.StatusRateLimited,
		tracker.StatusRateLimited,
		tracker.StatusSuccess,
	}, statuses(env.tracker.Records("finnhub")))

	// finnhub 退避因子为2，抖动固定为0.1
	sleeps := env.sleeper.Sleeps()
	require.Len(t, sleeps, 2)
	assert.InDelta(t, 1.1, sleeps[0].Seconds(), 1e-9)
	assert.InDelta(t, 2.2, sleeps[1].Seconds(), 1e-9)

	entry, found, err := env.store.Get(ctx, "finnhub", "AAPL_quote")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 10, entry.TTLMinutes)
	assert.JSONEq(t, `{"symbol":"AAPL","price":189.5}`, string(entry.Payload))

	assert.True(t, c.Healthy())
	assert.Equal(t, 0, c.breaker.Failures())
}

func TestClient_缓存命中不调用抓取函数(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client("yfinance")

	_, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		return []int{1, 2, 3}, nil
	}, "history")
	require.True(t, ok)

	v, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		t.Fatal("缓存命中时不应调用抓取函数")
		return nil, nil
	}, "history")
	require.True(t, ok)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, v)

	stats := env.tracker.Stats("yfinance")
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 1, stats.CacheHits)
}

func TestClient_非限流错误立即失败(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client("finnhub")

	var calls int32
	v, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection refused")
	}, "k")

	assert.False(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, env.sleeper.Sleeps())
	assert.Equal(t, 1, c.breaker.Failures())

	records := env.tracker.Records("finnhub")
	require.Len(t, records, 1)
	assert.Equal(t, tracker.StatusError, records[0].Status)
	assert.Equal(t, "connection refused", records[0].Error)
}

func TestClient_限流重试耗尽(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client("finnhub")

	var calls int32
	_, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("API quota exceeded")
	}, "k")

	assert.False(t, ok)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	// 最后一次尝试之后不再退避
	assert.Len(t, env.sleeper.Sleeps(), 2)
	assert.Equal(t, 1, c.breaker.Failures(), "重试耗尽只记一次熔断失败")
	assert.Equal(t, 3, env.tracker.Stats("finnhub").RateLimited)
}

func TestClient_连续失败触发熔断(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	threshold := 2
	require.NoError(t, env.rates.Register("flaky", config.ProviderOverrides{FailureThreshold: &threshold}))
	c := env.client("flaky")

	fail := func(ctx context.Context) (any, error) { return nil, errors.New("boom") }
	for i := 0; i < 2; i++ {
		_, ok := c.CallWithCacheAndLimit(ctx, fail, "k")
		assert.False(t, ok)
	}
	assert.Equal(t, breaker.StateOpen, c.BreakerState())
	assert.False(t, c.Healthy())

	_, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		t.Fatal("熔断时不应调用抓取函数")
		return nil, nil
	}, "k")
	assert.False(t, ok)

	records := env.tracker.Records("flaky")
	assert.Equal(t, tracker.StatusCircuitOpen, records[len(records)-1].Status)
}

func TestClient_熔断时不读缓存(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	threshold := 1
	require.NoError(t, env.rates.Register("flaky", config.ProviderOverrides{FailureThreshold: &threshold}))
	c := env.client("flaky")

	require.NoError(t, env.store.Set(ctx, "flaky", "cached", []byte(`"v"`), 10))
	_, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}, "other")
	require.False(t, ok)

	_, ok = c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		return "fresh", nil
	}, "cached")
	assert.False(t, ok)
}

func TestClient_跳过缓存(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client("finnhub")

	var calls int32
	fetch := func(ctx context.Context) (any, error) {
		return atomic.AddInt32(&calls, 1), nil
	}
	for i := 0; i < 2; i++ {
		_, ok := c.CallWithCacheAndLimit(ctx, fetch, "k", WithoutCache())
		require.True(t, ok)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	stats, err := env.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEntries)
}

func TestClient_自定义缓存有效期(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client("finnhub")

	fetch := func(ctx context.Context) (any, error) { return "x", nil }
	_, ok := c.CallWithCacheAndLimit(ctx, fetch, "long", WithTTL(60))
	require.True(t, ok)
	_, ok = c.CallWithCacheAndLimit(ctx, fetch, "ignored", WithTTL(0))
	require.True(t, ok)

	entry, found, err := env.store.Get(ctx, "finnhub", "long")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 60, entry.TTLMinutes)

	entry, found, err = env.store.Get(ctx, "finnhub", "ignored")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 10, entry.TTLMinutes, "非正数的有效期沿用提供商配置")
}

func TestClient_空结果不缓存(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client("finnhub")

	var p *struct{ Price float64 }
	v, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		return p, nil
	}, "nil")
	require.True(t, ok)
	assert.True(t, isNil(v))

	_, found, err := env.store.Get(ctx, "finnhub", "nil")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_抓取函数panic视为失败(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client("finnhub")

	// panic 信息里带 "429" 也不能当作限流处理
	v, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		panic("status 429")
	}, "k")
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.Empty(t, env.sleeper.Sleeps())
	assert.Equal(t, 1, c.breaker.Failures())

	records := env.tracker.Records("finnhub")
	require.Len(t, records, 1)
	assert.Equal(t, tracker.StatusError, records[0].Status)
	assert.Contains(t, records[0].Error, "FETCH_PANIC")
}

func TestClient_取消不计入熔断(t *testing.T) {
	env := newTestEnv(t)
	c := env.client("finnhub")

	ctx, cancel := context.WithCancel(context.Background())
	_, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		cancel()
		return nil, ctx.Err()
	}, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.breaker.Failures())

	records := env.tracker.Records("finnhub")
	require.Len(t, records, 1)
	assert.Equal(t, tracker.StatusError, records[0].Status)
}

func TestClient_缓存数据损坏按未命中处理(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client("finnhub")

	require.NoError(t, env.store.Set(ctx, "finnhub", "k", []byte(`{broken`), 10))
	v, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		return "fresh", nil
	}, "k")
	require.True(t, ok)
	assert.Equal(t, "fresh", v)
}

func TestClient_GoBreaker引擎(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	threshold := 2
	require.NoError(t, env.rates.Register("flaky", config.ProviderOverrides{FailureThreshold: &threshold}))
	c := env.client("flaky", WithBreakerEngine(breaker.EngineGoBreaker))

	for i := 0; i < 2; i++ {
		_, _ = c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
			return nil, errors.New("boom")
		}, "k")
	}
	assert.Equal(t, breaker.StateOpen, c.BreakerState())
}

func TestClient_调用产生追踪span(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	c := env.client("finnhub", WithTracerProvider(tp))
	_, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		return "ok", nil
	}, "AAPL_quote")
	require.True(t, ok)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "apiclient.call", spans[0].Name())

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "finnhub", attrs["provider"].AsString())
	assert.Equal(t, "success", attrs["outcome"].AsString())
	assert.Equal(t, int64(1), attrs["attempts"].AsInt64())
}

func TestClient_统计信息(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := env.client("finnhub")

	_, ok := c.CallWithCacheAndLimit(ctx, func(ctx context.Context) (any, error) {
		return "v", nil
	}, "k")
	require.True(t, ok)

	st := c.Stats(ctx)
	assert.Equal(t, "finnhub", st.Source)
	assert.Equal(t, 1, st.API.Success)
	assert.Equal(t, "CLOSED", st.Breaker.State)
	assert.Equal(t, float64(5), st.Limiter.RPS)
	assert.Equal(t, float64(50), st.Limiter.MaxTokens)
	assert.LessOrEqual(t, st.Limiter.CurrentTokens, float64(50))
	assert.Equal(t, int64(1), st.Cache.BySource["finnhub"])
	assert.Empty(t, st.CacheError)
}

func TestClient_配置在创建时复制(t *testing.T) {
	env := newTestEnv(t)
	c := env.client("finnhub")

	retries := 9
	require.NoError(t, env.rates.Register("finnhub", config.ProviderOverrides{MaxRetries: &retries}))
	assert.Equal(t, 3, c.Config().MaxRetries)
	assert.Equal(t, 9, env.rates.Get("finnhub").MaxRetries)
}
