package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, clock *testClock) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewRedisStore(context.Background(), client, "test", WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_读写往返(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store, mr := newTestRedisStore(t, clock)

	require.NoError(t, store.Set(ctx, "finnhub", "AAPL_quote", []byte(`{"price":189.5}`), 10))

	entry, ok, err := store.Get(ctx, "finnhub", "AAPL_quote")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"price":189.5}`, string(entry.Payload))
	assert.True(t, entry.WrittenAt.Equal(clock.Now()))

	assert.True(t, mr.Exists("test:entry:7:finnhub:AAPL_quote"))
	assert.Greater(t, mr.TTL("test:entry:7:finnhub:AAPL_quote"), 10*time.Minute, "原生过期时间晚于逻辑过期")
}

func TestRedisStore_过期后未命中并删除(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store, mr := newTestRedisStore(t, clock)

	require.NoError(t, store.Set(ctx, "finnhub", "k", []byte(`1`), 10))
	clock.Advance(10 * time.Minute)

	_, ok, err := store.Get(ctx, "finnhub", "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("test:entry:7:finnhub:k"))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEntries)
}

func TestRedisStore_清理过期和来源(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store, _ := newTestRedisStore(t, clock)

	require.NoError(t, store.Set(ctx, "finnhub", "a", []byte(`1`), 5))
	require.NoError(t, store.Set(ctx, "finnhub", "b", []byte(`1`), 30))
	require.NoError(t, store.Set(ctx, "alpha_vantage", "a", []byte(`1`), 5))
	require.NoError(t, store.Set(ctx, "alpha_vantage", "b", []byte(`1`), 30))

	clock.Advance(10 * time.Minute)
	n, err := store.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.ClearSource(ctx, "alpha_vantage")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Equal(t, map[string]int64{"finnhub": 1}, stats.BySource)
	assert.Equal(t, "redis", stats.Backend)
}

func TestRedisStore_统计最近写入(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store, _ := newTestRedisStore(t, clock)

	require.NoError(t, store.Set(ctx, "finnhub", "old", []byte(`1`), 600))
	clock.Advance(2 * time.Hour)
	require.NoError(t, store.Set(ctx, "finnhub", "new", []byte(`1`), 600))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, int64(1), stats.RecentEntries)
}

func TestNewRedisStore_连接失败(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	_, err := NewRedisStore(context.Background(), client, "")
	assert.Error(t, err)
}

func TestRedisStore_含冒号的来源和键互不冲突(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store, _ := newTestRedisStore(t, clock)

	require.NoError(t, store.Set(ctx, "a", "b:c", []byte(`"first"`), 10))
	require.NoError(t, store.Set(ctx, "a:b", "c", []byte(`"second"`), 10))

	entry, ok, err := store.Get(ctx, "a", "b:c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"first"`, string(entry.Payload))

	n, err := store.ClearSource(ctx, "a:b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entry, ok, err = store.Get(ctx, "a", "b:c")
	require.NoError(t, err)
	require.True(t, ok, "清理其他来源不影响本来源条目")
	assert.Equal(t, `"first"`, string(entry.Payload))
}

func TestRedisStore_惰性删除不覆盖新写入(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store, _ := newTestRedisStore(t, clock)

	require.NoError(t, store.Set(ctx, "finnhub", "k", []byte(`"stale"`), 5))
	clock.Advance(10 * time.Minute)

	// 在 Get 读到旧条目之后、删除之前写入新值
	armed := true
	store.now = func() time.Time {
		if armed {
			armed = false
			require.NoError(t, store.Set(ctx, "finnhub", "k", []byte(`"fresh"`), 10))
		}
		return clock.Now()
	}

	_, ok, err := store.Get(ctx, "finnhub", "k")
	require.NoError(t, err)
	assert.False(t, ok, "读到的旧条目已过期")

	entry, ok, err := store.Get(ctx, "finnhub", "k")
	require.NoError(t, err)
	require.True(t, ok, "新写入的条目保留")
	assert.Equal(t, `"fresh"`, string(entry.Payload))
}

func TestRedisStore_清理过期不删除扫描后写入的条目(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store, _ := newTestRedisStore(t, clock)

	require.NoError(t, store.Set(ctx, "finnhub", "k", []byte(`"stale"`), 5))
	require.NoError(t, store.Set(ctx, "finnhub", "gone", []byte(`1`), 5))
	clock.Advance(10 * time.Minute)

	upper := strconv.FormatFloat(millis(clock.Now()), 'f', 0, 64)
	scanned := []string{"k", "gone"}
	require.NoError(t, store.Set(ctx, "finnhub", "k", []byte(`"fresh"`), 10))

	n, err := store.removeExpired(ctx, "finnhub", scanned, upper)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entry, ok, err := store.Get(ctx, "finnhub", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"fresh"`, string(entry.Payload))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
}
