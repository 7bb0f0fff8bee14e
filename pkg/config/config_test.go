package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "finapi/pkg/error"
)

// TestDefault 测试默认配置是否正确
func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, BackendSQLite, cfg.Cache.Backend)
	assert.Equal(t, "data/stock_data_cache.db", cfg.Cache.Path)
	assert.Equal(t, "@every 10m", cfg.Cache.SweepSchedule)
	assert.Equal(t, 10*time.Millisecond, cfg.Limiter.PollInterval)
	assert.Equal(t, BreakerNative, cfg.Breaker.Engine)
	assert.Equal(t, 1000, cfg.Tracker.MaxHistory)
	assert.Equal(t, []string{"finnhub", "yfinance", "alpha_vantage"}, cfg.Monitor.Sources)
	assert.Equal(t, []string{"coingecko", "alpha_vantage"}, cfg.Fetcher.Sources["crypto"])

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Output)
	assert.Equal(t, "finapi.log", cfg.Logger.Filename)
}

// TestValidate 测试配置验证功能
func TestValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate(), "默认配置应该是有效的")

	cfg = Default()
	cfg.Cache.Backend = "memcached"
	assert.Error(t, cfg.Validate(), "未知缓存后端应该返回错误")

	cfg = Default()
	cfg.Cache.Path = ""
	assert.Error(t, cfg.Validate(), "sqlite 后端路径为空时应该返回错误")

	cfg = Default()
	cfg.Limiter.PollInterval = 0
	assert.Error(t, cfg.Validate(), "轮询间隔为0时应该返回错误")

	cfg = Default()
	cfg.SetBreakerEngine("hystrix")
	assert.Error(t, cfg.Validate(), "未知熔断器实现应该返回错误")

	cfg = Default()
	cfg.Tracker.MaxHistory = 0
	assert.Error(t, cfg.Validate(), "历史容量为0时应该返回错误")

	cfg = Default()
	cfg.Tracker.Influx.Enabled = true
	cfg.Tracker.Influx.Bucket = ""
	assert.Error(t, cfg.Validate(), "启用 influx 但缺少 bucket 时应该返回错误")

	cfg = Default()
	bad := 0.5
	cfg.Providers["finnhub"] = ProviderOverrides{BackoffFactor: &bad}
	err := cfg.Validate()
	require.Error(t, err, "退避底数不大于1时应该返回错误")
	assert.Equal(t, apperr.CodeConfigInvalid, apperr.CodeOf(err))
}

func TestConfig_RateTable内置提供商保留未覆盖字段(t *testing.T) {
	cfg := Default()
	rps := 10.0
	cfg.Providers["finnhub"] = ProviderOverrides{RequestsPerSecond: &rps}
	retries := 4
	cfg.Providers["polygon"] = ProviderOverrides{MaxRetries: &retries}

	table, err := cfg.RateTable()
	require.NoError(t, err)

	finnhub := table.Get("finnhub")
	assert.Equal(t, 10.0, finnhub.RequestsPerSecond)
	assert.Equal(t, 2.0, finnhub.BackoffFactor, "未覆盖的字段保留内置值")

	polygon := table.Get("polygon")
	assert.Equal(t, 4, polygon.MaxRetries)
	assert.Equal(t, 2.0, polygon.RequestsPerSecond, "其他字段来自 default")
	assert.Equal(t, 10, polygon.CacheTTLMinutes)
}

func TestConfig_RateTable先应用default覆盖(t *testing.T) {
	cfg := Default()
	ttl := 42
	cfg.Providers[DefaultProviderName] = ProviderOverrides{CacheTTLMinutes: &ttl}
	cfg.Providers["polygon"] = ProviderOverrides{}

	table, err := cfg.RateTable()
	require.NoError(t, err)

	assert.Equal(t, 42, table.Get("polygon").CacheTTLMinutes)
	assert.Equal(t, 42, table.Get("unknown_source").CacheTTLMinutes)
	assert.Equal(t, 10, table.Get("finnhub").CacheTTLMinutes)
}

func TestLoad_无配置文件使用默认值(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Cache.Path, cfg.Cache.Path)
	assert.Len(t, cfg.Fetcher.Sources, 4)
}

func TestLoad_YAML和环境变量(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finapi.yaml")
	content := `
cache:
  backend: sqlite
  path: /tmp/finapi-test.db
  memory_entries: 256
limiter:
  poll_interval: 5ms
  rate_limit_patterns: ["slow down", "busy"]
breaker:
  engine: gobreaker
providers:
  finnhub:
    requests_per_second: 8
fetcher:
  sources:
    stock: [iex_cloud, finnhub]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("FINAPI_TRACKER_MAX_HISTORY", "50")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/finapi-test.db", cfg.Cache.Path)
	assert.Equal(t, 256, cfg.Cache.MemoryEntries)
	assert.Equal(t, 5*time.Millisecond, cfg.Limiter.PollInterval)
	assert.Equal(t, []string{"slow down", "busy"}, cfg.Limiter.RateLimitPatterns)
	assert.Equal(t, BreakerGoBreaker, cfg.Breaker.Engine)
	assert.Equal(t, 50, cfg.Tracker.MaxHistory, "环境变量应覆盖默认值")
	assert.Equal(t, []string{"iex_cloud", "finnhub"}, cfg.Fetcher.Sources["stock"])

	table, err := cfg.RateTable()
	require.NoError(t, err)
	assert.Equal(t, 8.0, table.Get("finnhub").RequestsPerSecond)
}
