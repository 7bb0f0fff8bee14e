package apiclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"finapi/pkg/cache"
	"finapi/pkg/config"
	"finapi/pkg/limiter"
	"finapi/pkg/logger"
	"finapi/pkg/tracker"
)

// Open 按配置组装缓存后端、调用追踪和注册表
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rates, err := cfg.RateTable()
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}

	var trackerOpts []tracker.Option
	var sink *tracker.InfluxSink
	if cfg.Tracker.Influx.Enabled {
		sink = tracker.NewInfluxSink(tracker.InfluxConfig{
			URL:    cfg.Tracker.Influx.URL,
			Token:  cfg.Tracker.Influx.Token,
			Org:    cfg.Tracker.Influx.Org,
			Bucket: cfg.Tracker.Influx.Bucket,
		})
		trackerOpts = append(trackerOpts, tracker.WithSink(sink))
	}
	tr := tracker.New(cfg.Tracker.MaxHistory, trackerOpts...)

	base := []Option{
		WithBreakerEngine(cfg.Breaker.Engine),
		WithPollInterval(cfg.Limiter.PollInterval),
		WithRateLimitPredicate(limiter.NewErrorClassifier(cfg.Limiter.RateLimitPatterns...).Predicate()),
	}
	reg := NewRegistry(rates, store, tr, append(base, opts...)...)
	if sink != nil {
		reg.onClose(func() error {
			sink.Close()
			return nil
		})
	}

	logger.WithComponent("apiclient").Infof("访问层已初始化: cache=%s breaker=%s providers=%d",
		cfg.Cache.Backend, cfg.Breaker.Engine, len(rates.Names()))
	return reg, nil
}

func openStore(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	var backend cache.Store
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s, err := cache.NewRedisStore(pingCtx, client, cfg.Redis.Prefix)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		backend = s
	default:
		s, err := cache.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		backend = s
	}

	if cfg.MemoryEntries > 0 {
		layered, err := cache.NewLayeredStore(backend, cfg.MemoryEntries)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		return layered, nil
	}
	return backend, nil
}
