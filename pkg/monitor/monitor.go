package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"finapi/pkg/apiclient"
	"finapi/pkg/breaker"
	"finapi/pkg/logger"
	"finapi/pkg/tracker"
)

// recentErrorLimit 健康状态中每个提供商保留的最近错误数
const recentErrorLimit = 3

// DefaultSources 默认监控的提供商
var DefaultSources = []string{"finnhub", "yfinance", "alpha_vantage"}

// Health 单个提供商的健康状态
type Health struct {
	Healthy      bool                 `json:"healthy"`
	CircuitState string               `json:"circuit_state"`
	SuccessRate  float64              `json:"success_rate"`
	RecentErrors []tracker.CallRecord `json:"recent_errors"`
}

// Monitor 只读地汇总一组提供商的统计和健康状态
type Monitor struct {
	reg     *apiclient.Registry
	sources []string
	clients map[string]*apiclient.Client
	log     *logrus.Entry
}

// New 创建监控器，创建时即获取各提供商的客户端
func New(reg *apiclient.Registry, sources []string) *Monitor {
	if len(sources) == 0 {
		sources = DefaultSources
	}
	m := &Monitor{
		reg:     reg,
		sources: append([]string(nil), sources...),
		clients: make(map[string]*apiclient.Client, len(sources)),
		log:     logger.WithComponent("monitor"),
	}
	for _, s := range m.sources {
		m.clients[s] = reg.Client(s)
	}
	return m
}

// Sources 监控的提供商
func (m *Monitor) Sources() []string {
	return append([]string(nil), m.sources...)
}

// AllStats 各提供商的综合统计，缓存统计在后端上并发查询
func (m *Monitor) AllStats(ctx context.Context) map[string]apiclient.ClientStats {
	var mu sync.Mutex
	out := make(map[string]apiclient.ClientStats, len(m.sources))

	g, gctx := errgroup.WithContext(ctx)
	for _, source := range m.sources {
		c := m.clients[source]
		g.Go(func() error {
			st := c.Stats(gctx)
			mu.Lock()
			out[source] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// HealthStatus 各提供商的健康状态
func (m *Monitor) HealthStatus(ctx context.Context) map[string]Health {
	tr := m.reg.Tracker()
	out := make(map[string]Health, len(m.sources))
	for _, source := range m.sources {
		c := m.clients[source]
		state := c.BreakerState()
		errs := tr.RecentErrorsFor(source, recentErrorLimit)
		if errs == nil {
			errs = []tracker.CallRecord{}
		}
		out[source] = Health{
			Healthy:      state == breaker.StateClosed,
			CircuitState: state.String(),
			SuccessRate:  tr.Stats(source).SuccessRate,
			RecentErrors: errs,
		}
	}
	return out
}

// ExportJSON 把 AllStats 写入 JSON 文件
func (m *Monitor) ExportJSON(ctx context.Context, path string) error {
	data, err := json.MarshalIndent(m.AllStats(ctx), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write stats file: %w", err)
	}
	m.log.Infof("统计信息已导出到 %s", path)
	return nil
}
