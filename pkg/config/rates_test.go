package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateTable_内置配置(t *testing.T) {
	table := NewRateTable()

	av := table.Get("alpha_vantage")
	assert.Equal(t, 0.2, av.RequestsPerSecond)
	assert.Equal(t, 30*time.Minute, av.CacheTTL())
	assert.Equal(t, 15*time.Second, av.Timeout())

	yahoo := table.Get("yahoo_finance")
	assert.Equal(t, 5, yahoo.MaxRetries)
	assert.Equal(t, 7, yahoo.BreakerThreshold(), "默认熔断阈值为最大重试次数加2")
	assert.Equal(t, 60*time.Second, yahoo.RecoveryTimeout())
}

func TestRateTable_未知名称回退default(t *testing.T) {
	table := NewRateTable()

	cfg := table.Get("no_such_provider")
	assert.Equal(t, "no_such_provider", cfg.Name)
	assert.Equal(t, 2.0, cfg.RequestsPerSecond)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 1.5, cfg.BackoffFactor)
	assert.Equal(t, 10, cfg.CacheTTLMinutes)
}

func TestRateTable_Register基于default合并(t *testing.T) {
	table := NewRateTable()
	rps := 7.0
	require.NoError(t, table.Register("finnhub", ProviderOverrides{RequestsPerSecond: &rps}))

	cfg := table.Get("finnhub")
	assert.Equal(t, 7.0, cfg.RequestsPerSecond)
	assert.Equal(t, 1.5, cfg.BackoffFactor, "合并基础是 default 而不是内置 finnhub")
	assert.Equal(t, 10, cfg.CacheTTLMinutes)
	assert.Contains(t, table.Names(), "finnhub")
}

func TestRateTable_Register拒绝非法值(t *testing.T) {
	table := NewRateTable()

	zero := 0.0
	assert.Error(t, table.Register("broken", ProviderOverrides{RequestsPerSecond: &zero}))
	retries := 0
	assert.Error(t, table.Register("broken", ProviderOverrides{MaxRetries: &retries}))
	ttl := -1
	assert.Error(t, table.Register("broken", ProviderOverrides{CacheTTLMinutes: &ttl}))
	assert.Error(t, table.Register("", ProviderOverrides{}))

	assert.NotContains(t, table.Names(), "broken")
}

func TestProviderConfig_显式熔断参数(t *testing.T) {
	cfg := ProviderConfig{MaxRetries: 3, FailureThreshold: 2, RecoveryTimeoutSeconds: 5}
	assert.Equal(t, 2, cfg.BreakerThreshold())
	assert.Equal(t, 5*time.Second, cfg.RecoveryTimeout())
}
