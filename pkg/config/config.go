package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"finapi/pkg/logger"
)

// 缓存后端
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// 熔断器实现
const (
	BreakerNative    = "native"
	BreakerGoBreaker = "gobreaker"
)

// Config 主配置结构
type Config struct {
	// 提供商覆盖配置，以 default 为基础合并
	Providers map[string]ProviderOverrides `json:"providers" mapstructure:"providers"`

	// 持久缓存配置
	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	// 令牌桶配置
	Limiter LimiterConfig `json:"limiter" mapstructure:"limiter"`

	// 熔断器配置
	Breaker BreakerConfig `json:"breaker" mapstructure:"breaker"`

	// 调用追踪配置
	Tracker TrackerConfig `json:"tracker" mapstructure:"tracker"`

	// 多源抓取配置
	Fetcher FetcherConfig `json:"fetcher" mapstructure:"fetcher"`

	// 监控配置
	Monitor MonitorConfig `json:"monitor" mapstructure:"monitor"`

	// 日志配置
	Logger logger.Config `json:"logger" mapstructure:"logger"`
}

// CacheConfig 持久缓存配置
type CacheConfig struct {
	Backend       string      `json:"backend" mapstructure:"backend"`               // sqlite, redis
	Path          string      `json:"path" mapstructure:"path"`                     // SQLite 数据库文件路径
	MemoryEntries int         `json:"memory_entries" mapstructure:"memory_entries"` // 进程内 LRU 前置缓存条目数，0 表示关闭
	SweepSchedule string      `json:"sweep_schedule" mapstructure:"sweep_schedule"` // 过期清理的 cron 表达式，空表示不自动清理
	Redis         RedisConfig `json:"redis" mapstructure:"redis"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
	Prefix   string `json:"prefix" mapstructure:"prefix"`
}

// LimiterConfig 令牌桶配置
type LimiterConfig struct {
	PollInterval      time.Duration `json:"poll_interval" mapstructure:"poll_interval"`                       // 等待令牌时的轮询间隔
	RateLimitPatterns []string      `json:"rate_limit_patterns,omitempty" mapstructure:"rate_limit_patterns"` // 识别限流错误的文本片段，为空时使用内置片段
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Engine string `json:"engine" mapstructure:"engine"` // native, gobreaker
}

// TrackerConfig 调用追踪配置
type TrackerConfig struct {
	MaxHistory int          `json:"max_history" mapstructure:"max_history"` // 环形缓冲区容量
	Influx     InfluxConfig `json:"influx" mapstructure:"influx"`
}

// InfluxConfig 调用记录导出到 InfluxDB 的配置
type InfluxConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" mapstructure:"url"`
	Token   string `json:"token" mapstructure:"token"`
	Org     string `json:"org" mapstructure:"org"`
	Bucket  string `json:"bucket" mapstructure:"bucket"`
}

// FetcherConfig 多源抓取配置
type FetcherConfig struct {
	Sources map[string][]string `json:"sources" mapstructure:"sources"` // 数据类型到候选源列表
}

// MonitorConfig 监控配置
type MonitorConfig struct {
	Sources []string `json:"sources" mapstructure:"sources"` // 监控的提供商
	Listen  string   `json:"listen" mapstructure:"listen"`   // HTTP 监听地址
	GinMode string   `json:"gin_mode" mapstructure:"gin_mode"`
}

// DefaultFetcherSources 默认的数据类型候选源
func DefaultFetcherSources() map[string][]string {
	return map[string][]string{
		"stock":    {"finnhub", "yfinance", "alpha_vantage", "iex_cloud"},
		"crypto":   {"coingecko", "alpha_vantage"},
		"forex":    {"yfinance", "alpha_vantage"},
		"economic": {"fred", "world_bank"},
	}
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Providers: map[string]ProviderOverrides{},
		Cache: CacheConfig{
			Backend:       BackendSQLite,
			Path:          "data/stock_data_cache.db",
			MemoryEntries: 0,
			SweepSchedule: "@every 10m",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "finapi",
			},
		},
		Limiter: LimiterConfig{
			PollInterval: 10 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			Engine: BreakerNative,
		},
		Tracker: TrackerConfig{
			MaxHistory: 1000,
			Influx: InfluxConfig{
				URL:    "http://localhost:8086",
				Org:    "finapi",
				Bucket: "api_calls",
			},
		},
		Fetcher: FetcherConfig{
			Sources: DefaultFetcherSources(),
		},
		Monitor: MonitorConfig{
			Sources: []string{"finnhub", "yfinance", "alpha_vantage"},
			Listen:  ":8090",
			GinMode: "release",
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "text",
			Output:     "console",
			Filename:   "finapi.log",
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendSQLite:
		if c.Cache.Path == "" {
			return errors.New("cache path cannot be empty for sqlite backend")
		}
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache redis addr cannot be empty for redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	if c.Cache.MemoryEntries < 0 {
		return errors.New("cache memory_entries cannot be negative")
	}

	if c.Limiter.PollInterval <= 0 {
		return errors.New("limiter poll_interval must be positive")
	}

	if c.Breaker.Engine != BreakerNative && c.Breaker.Engine != BreakerGoBreaker {
		return fmt.Errorf("unknown breaker engine %q", c.Breaker.Engine)
	}

	if c.Tracker.MaxHistory <= 0 {
		return errors.New("tracker max_history must be positive")
	}

	if c.Tracker.Influx.Enabled && (c.Tracker.Influx.URL == "" || c.Tracker.Influx.Bucket == "") {
		return errors.New("tracker influx url and bucket are required when enabled")
	}

	if _, err := c.RateTable(); err != nil {
		return err
	}

	return nil
}

// RateTable 基于内置配置和覆盖项构建提供商配置表
func (c *Config) RateTable() (*RateTable, error) {
	table := NewRateTable()

	// default 先注册，其他提供商以新的 default 为基础
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		if name != DefaultProviderName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := c.Providers[DefaultProviderName]; ok {
		names = append([]string{DefaultProviderName}, names...)
	}

	// 内置提供商的未设置字段保留内置值
	builtin := BuiltinProviders()
	for _, name := range names {
		overrides := c.Providers[name]
		if base, ok := builtin[name]; ok && name != DefaultProviderName {
			overrides = overrides.fillFrom(base)
		}
		if err := table.Register(name, overrides); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// SetCachePath 设置缓存文件路径
func (c *Config) SetCachePath(path string) *Config {
	c.Cache.Path = path
	return c
}

// SetBreakerEngine 设置熔断器实现
func (c *Config) SetBreakerEngine(engine string) *Config {
	c.Breaker.Engine = engine
	return c
}

// Load 从配置文件和环境变量加载配置。
// path 为空时在 ./config 和 . 下查找 finapi.yaml，文件不存在时使用默认值。
// 环境变量前缀 FINAPI，例如 FINAPI_CACHE_PATH。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("finapi")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	def := Default()
	v.SetDefault("cache.backend", def.Cache.Backend)
	v.SetDefault("cache.path", def.Cache.Path)
	v.SetDefault("cache.memory_entries", def.Cache.MemoryEntries)
	v.SetDefault("cache.sweep_schedule", def.Cache.SweepSchedule)
	v.SetDefault("cache.redis.addr", def.Cache.Redis.Addr)
	v.SetDefault("cache.redis.password", def.Cache.Redis.Password)
	v.SetDefault("cache.redis.db", def.Cache.Redis.DB)
	v.SetDefault("cache.redis.prefix", def.Cache.Redis.Prefix)
	v.SetDefault("limiter.poll_interval", def.Limiter.PollInterval)
	v.SetDefault("limiter.rate_limit_patterns", []string{})
	v.SetDefault("breaker.engine", def.Breaker.Engine)
	v.SetDefault("tracker.max_history", def.Tracker.MaxHistory)
	v.SetDefault("tracker.influx.enabled", def.Tracker.Influx.Enabled)
	v.SetDefault("tracker.influx.url", def.Tracker.Influx.URL)
	v.SetDefault("tracker.influx.token", def.Tracker.Influx.Token)
	v.SetDefault("tracker.influx.org", def.Tracker.Influx.Org)
	v.SetDefault("tracker.influx.bucket", def.Tracker.Influx.Bucket)
	v.SetDefault("monitor.sources", def.Monitor.Sources)
	v.SetDefault("monitor.listen", def.Monitor.Listen)
	v.SetDefault("monitor.gin_mode", def.Monitor.GinMode)
	v.SetDefault("logger.level", def.Logger.Level)
	v.SetDefault("logger.format", def.Logger.Format)
	v.SetDefault("logger.output", def.Logger.Output)
	v.SetDefault("logger.filename", def.Logger.Filename)
	v.SetDefault("logger.max_size", def.Logger.MaxSize)
	v.SetDefault("logger.max_backups", def.Logger.MaxBackups)
	v.SetDefault("logger.max_age", def.Logger.MaxAge)

	v.SetEnvPrefix("FINAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := def
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Fetcher.Sources) == 0 {
		cfg.Fetcher.Sources = DefaultFetcherSources()
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderOverrides{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
