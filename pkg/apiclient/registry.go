package apiclient

import (
	"context"
	"errors"
	"sort"
	"sync"

	"finapi/pkg/cache"
	"finapi/pkg/config"
	"finapi/pkg/scheduler"
	"finapi/pkg/tracker"
)

// CacheSweepJob 过期缓存清理任务名
const CacheSweepJob = "cache-sweep"

// Registry 提供商名称到 Client 的注册表。
// 每个名称在注册表生命周期内只会创建一个 Client，所有 Client 共享同一个缓存和调用追踪。
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client

	rates   *config.RateTable
	store   cache.Store
	tracker *tracker.Tracker
	opts    []Option

	closers []func() error
}

// NewRegistry 创建注册表，rates 为 nil 时使用内置配置。
// store 为 nil 时所有客户端都不使用缓存，缓存统计和清理返回空结果。
func NewRegistry(rates *config.RateTable, store cache.Store, tr *tracker.Tracker, opts ...Option) *Registry {
	if rates == nil {
		rates = config.NewRateTable()
	}
	if tr == nil {
		tr = tracker.New(tracker.DefaultMaxHistory)
	}
	return &Registry{
		clients: make(map[string]*Client),
		rates:   rates,
		store:   store,
		tracker: tr,
		opts:    opts,
	}
}

// Client 获取提供商客户端，首次访问时创建
func (r *Registry) Client(name string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[name]; ok {
		return c
	}
	c := NewClient(r.rates.Get(name), r.store, r.tracker, r.opts...)
	r.clients[name] = c
	return c
}

// Healthy 提供商熔断器是否处于 Closed 状态
func (r *Registry) Healthy(name string) bool {
	return r.Client(name).Healthy()
}

// Providers 已创建客户端的提供商名称(已排序)
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rates 提供商配置表
func (r *Registry) Rates() *config.RateTable {
	return r.rates
}

// Store 共享缓存
func (r *Registry) Store() cache.Store {
	return r.store
}

// Tracker 共享调用追踪
func (r *Registry) Tracker() *tracker.Tracker {
	return r.tracker
}

// ClearExpiredCache 清理所有过期缓存
func (r *Registry) ClearExpiredCache(ctx context.Context) (int64, error) {
	if r.store == nil {
		return 0, nil
	}
	return r.store.ClearExpired(ctx)
}

// CacheStats 缓存统计
func (r *Registry) CacheStats(ctx context.Context) (cache.Stats, error) {
	if r.store == nil {
		return cache.Stats{BySource: map[string]int64{}, Backend: "none"}, nil
	}
	return r.store.Stats(ctx)
}

// ScheduleCacheSweep 在调度器中注册周期性的过期缓存清理任务
func (r *Registry) ScheduleCacheSweep(s *scheduler.Scheduler, schedule string) error {
	return s.AddJob(scheduler.JobConfig{
		Name:     CacheSweepJob,
		Enabled:  true,
		Schedule: scheduleOrDefault(schedule),
	}, func(ctx context.Context) error {
		_, err := r.ClearExpiredCache(ctx)
		return err
	})
}

func scheduleOrDefault(schedule string) string {
	if schedule == "" {
		return "@every 10m"
	}
	return schedule
}

// Reset 丢弃所有已创建的客户端，测试用
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[string]*Client)
}

// onClose 登记关闭时需要释放的资源
func (r *Registry) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Close 关闭共享缓存及 Open 创建的其他资源
func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
