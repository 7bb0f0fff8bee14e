package apiclient

import (
	"context"
	"math"

	"finapi/pkg/cache"
	"finapi/pkg/tracker"
)

// ClientStats 单个提供商的综合统计
type ClientStats struct {
	Source     string        `json:"source"`
	API        tracker.Stats `json:"api_stats"`
	Cache      cache.Stats   `json:"cache_stats"`
	CacheError string        `json:"cache_error,omitempty"`
	Breaker    BreakerStats  `json:"circuit_breaker"`
	Limiter    LimiterStats  `json:"rate_limiter"`
}

// BreakerStats 熔断器状态
type BreakerStats struct {
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
}

// LimiterStats 令牌桶状态
type LimiterStats struct {
	RPS           float64 `json:"rps"`
	CurrentTokens float64 `json:"current_tokens"`
	MaxTokens     float64 `json:"max_tokens"`
}

// Stats 汇总调用统计、缓存统计、熔断器和令牌桶状态。
// 缓存统计失败时其余字段照常返回，错误写入 CacheError。
func (c *Client) Stats(ctx context.Context) ClientStats {
	st := ClientStats{
		Source: c.name,
		API:    c.tracker.Stats(c.name),
		Breaker: BreakerStats{
			State:        c.breaker.State().String(),
			FailureCount: c.breaker.Failures(),
		},
		Limiter: LimiterStats{
			RPS:           c.bucket.Rate(),
			CurrentTokens: math.Round(c.bucket.Tokens()*100) / 100,
			MaxTokens:     c.bucket.Capacity(),
		},
	}

	if c.store == nil {
		st.Cache = cache.Stats{BySource: map[string]int64{}, Backend: "none"}
		return st
	}
	cs, err := c.store.Stats(ctx)
	if err != nil {
		c.log.WithError(err).Warn("获取缓存统计失败")
		st.CacheError = err.Error()
	} else {
		st.Cache = cs
	}
	return st
}
