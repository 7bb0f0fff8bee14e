package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "finapi"

// collectTimeout 每次抓取指标时查询缓存统计的超时
const collectTimeout = 5 * time.Second

// Collector 把监控数据导出为 Prometheus 指标，每次抓取时现算
type Collector struct {
	m *Monitor

	calls        *prometheus.Desc
	successRate  *prometheus.Desc
	breakerState *prometheus.Desc
	failures     *prometheus.Desc
	tokens       *prometheus.Desc
	cacheEntries *prometheus.Desc
}

// NewCollector 创建指标收集器
func NewCollector(m *Monitor) *Collector {
	return &Collector{
		m: m,
		calls: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "api", "calls"),
			"Number of recorded calls in history by outcome",
			[]string{"source", "status"}, nil,
		),
		successRate: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "api", "success_rate_percent"),
			"Share of successful and cached calls in history",
			[]string{"source"}, nil,
		),
		breakerState: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "circuit_breaker", "state"),
			"Circuit breaker state (0=closed, 1=open, 2=half-open)",
			[]string{"source"}, nil,
		),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "circuit_breaker", "consecutive_failures"),
			"Consecutive failures counted by the circuit breaker",
			[]string{"source"}, nil,
		),
		tokens: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "rate_limiter", "tokens"),
			"Tokens currently available in the bucket",
			[]string{"source"}, nil,
		),
		cacheEntries: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "entries"),
			"Cached entries per source",
			[]string{"source"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.calls
	ch <- c.successRate
	ch <- c.breakerState
	ch <- c.failures
	ch <- c.tokens
	ch <- c.cacheEntries
}

// Collect 实现 prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	for source, st := range c.m.AllStats(ctx) {
		api := st.API
		for status, n := range map[string]int{
			"success":      api.Success,
			"cache_hit":    api.CacheHits,
			"rate_limited": api.RateLimited,
			"failed":       api.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(c.calls, prometheus.GaugeValue, float64(n), source, status)
		}
		ch <- prometheus.MustNewConstMetric(c.successRate, prometheus.GaugeValue, api.SuccessRate, source)
		ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, breakerStateValue(st.Breaker.State), source)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(st.Breaker.FailureCount), source)
		ch <- prometheus.MustNewConstMetric(c.tokens, prometheus.GaugeValue, st.Limiter.CurrentTokens, source)
		if st.CacheError == "" {
			ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(st.Cache.BySource[source]), source)
		}
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}
