package config

import (
	"sort"
	"sync"
	"time"

	apperr "finapi/pkg/error"
)

// DefaultProviderName 未知提供商回退使用的配置名
const DefaultProviderName = "default"

const (
	// defaultRecoveryTimeout 熔断器默认恢复时间
	defaultRecoveryTimeout = 60 * time.Second
	// breakerSlack 熔断阈值在最大重试次数之上的余量
	breakerSlack = 2
)

// ProviderConfig 单个数据提供商的限流、重试与缓存配置。
// Client 构造时复制一份，之后对 RateTable 的修改不会影响已有 Client。
type ProviderConfig struct {
	Name                   string  `json:"name" mapstructure:"name"`
	RequestsPerSecond      float64 `json:"requests_per_second" mapstructure:"requests_per_second"`           // 稳态每秒请求数
	MaxRetries             int     `json:"max_retries" mapstructure:"max_retries"`                           // 每次调用的最大尝试次数
	BackoffFactor          float64 `json:"backoff_factor" mapstructure:"backoff_factor"`                     // 指数退避底数
	CacheTTLMinutes        int     `json:"cache_ttl_minutes" mapstructure:"cache_ttl_minutes"`               // 缓存有效期(分钟)，0 表示写入即过期
	TimeoutSeconds         int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`                   // 建议的单次请求超时，由抓取函数自行使用
	FailureThreshold       int     `json:"failure_threshold" mapstructure:"failure_threshold"`               // 熔断阈值，0 表示 MaxRetries+2
	RecoveryTimeoutSeconds int     `json:"recovery_timeout_seconds" mapstructure:"recovery_timeout_seconds"` // 熔断恢复时间，0 表示 60 秒
}

// Validate 校验配置取值范围
func (p ProviderConfig) Validate() error {
	switch {
	case p.RequestsPerSecond <= 0:
		return apperr.Newf(apperr.CodeConfigInvalid, "provider %q: requests_per_second must be positive", p.Name)
	case p.MaxRetries < 1:
		return apperr.Newf(apperr.CodeConfigInvalid, "provider %q: max_retries must be at least 1", p.Name)
	case p.BackoffFactor <= 1:
		return apperr.Newf(apperr.CodeConfigInvalid, "provider %q: backoff_factor must be greater than 1", p.Name)
	case p.CacheTTLMinutes < 0:
		return apperr.Newf(apperr.CodeConfigInvalid, "provider %q: cache_ttl_minutes cannot be negative", p.Name)
	case p.TimeoutSeconds < 0:
		return apperr.Newf(apperr.CodeConfigInvalid, "provider %q: timeout_seconds cannot be negative", p.Name)
	case p.FailureThreshold < 0 || p.RecoveryTimeoutSeconds < 0:
		return apperr.Newf(apperr.CodeConfigInvalid, "provider %q: breaker settings cannot be negative", p.Name)
	}
	return nil
}

// CacheTTL 缓存有效期
func (p ProviderConfig) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLMinutes) * time.Minute
}

// Timeout 建议的单次请求超时
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// BreakerThreshold 连续失败多少次后熔断
func (p ProviderConfig) BreakerThreshold() int {
	if p.FailureThreshold > 0 {
		return p.FailureThreshold
	}
	return p.MaxRetries + breakerSlack
}

// RecoveryTimeout 熔断后多久进入半开状态
func (p ProviderConfig) RecoveryTimeout() time.Duration {
	if p.RecoveryTimeoutSeconds > 0 {
		return time.Duration(p.RecoveryTimeoutSeconds) * time.Second
	}
	return defaultRecoveryTimeout
}

// ProviderOverrides 覆盖字段，nil 表示沿用 default 配置
type ProviderOverrides struct {
	RequestsPerSecond      *float64 `json:"requests_per_second,omitempty" mapstructure:"requests_per_second"`
	MaxRetries             *int     `json:"max_retries,omitempty" mapstructure:"max_retries"`
	BackoffFactor          *float64 `json:"backoff_factor,omitempty" mapstructure:"backoff_factor"`
	CacheTTLMinutes        *int     `json:"cache_ttl_minutes,omitempty" mapstructure:"cache_ttl_minutes"`
	TimeoutSeconds         *int     `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
	FailureThreshold       *int     `json:"failure_threshold,omitempty" mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds *int     `json:"recovery_timeout_seconds,omitempty" mapstructure:"recovery_timeout_seconds"`
}

// apply 把覆盖字段合并到 base 上
func (o ProviderOverrides) apply(base ProviderConfig) ProviderConfig {
	if o.RequestsPerSecond != nil {
		base.RequestsPerSecond = *o.RequestsPerSecond
	}
	if o.MaxRetries != nil {
		base.MaxRetries = *o.MaxRetries
	}
	if o.BackoffFactor != nil {
		base.BackoffFactor = *o.BackoffFactor
	}
	if o.CacheTTLMinutes != nil {
		base.CacheTTLMinutes = *o.CacheTTLMinutes
	}
	if o.TimeoutSeconds != nil {
		base.TimeoutSeconds = *o.TimeoutSeconds
	}
	if o.FailureThreshold != nil {
		base.FailureThreshold = *o.FailureThreshold
	}
	if o.RecoveryTimeoutSeconds != nil {
		base.RecoveryTimeoutSeconds = *o.RecoveryTimeoutSeconds
	}
	return base
}

// fillFrom 用 base 的值补齐未设置的字段
func (o ProviderOverrides) fillFrom(base ProviderConfig) ProviderOverrides {
	if o.RequestsPerSecond == nil {
		o.RequestsPerSecond = &base.RequestsPerSecond
	}
	if o.MaxRetries == nil {
		o.MaxRetries = &base.MaxRetries
	}
	if o.BackoffFactor == nil {
		o.BackoffFactor = &base.BackoffFactor
	}
	if o.CacheTTLMinutes == nil {
		o.CacheTTLMinutes = &base.CacheTTLMinutes
	}
	if o.TimeoutSeconds == nil {
		o.TimeoutSeconds = &base.TimeoutSeconds
	}
	if o.FailureThreshold == nil {
		o.FailureThreshold = &base.FailureThreshold
	}
	if o.RecoveryTimeoutSeconds == nil {
		o.RecoveryTimeoutSeconds = &base.RecoveryTimeoutSeconds
	}
	return o
}

// BuiltinProviders 内置提供商配置表
func BuiltinProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"yahoo_finance": {Name: "yahoo_finance", RequestsPerSecond: 2, MaxRetries: 5, BackoffFactor: 1.5, CacheTTLMinutes: 15, TimeoutSeconds: 10},
		"finnhub":       {Name: "finnhub", RequestsPerSecond: 5, MaxRetries: 3, BackoffFactor: 2, CacheTTLMinutes: 10, TimeoutSeconds: 10},
		"alpha_vantage": {Name: "alpha_vantage", RequestsPerSecond: 0.2, MaxRetries: 3, BackoffFactor: 2, CacheTTLMinutes: 30, TimeoutSeconds: 15},
		"iex_cloud":     {Name: "iex_cloud", RequestsPerSecond: 100, MaxRetries: 3, BackoffFactor: 1.5, CacheTTLMinutes: 5, TimeoutSeconds: 10},
		"yfinance":      {Name: "yfinance", RequestsPerSecond: 2, MaxRetries: 3, BackoffFactor: 1.5, CacheTTLMinutes: 15, TimeoutSeconds: 10},
		DefaultProviderName: {Name: DefaultProviderName, RequestsPerSecond: 2, MaxRetries: 3, BackoffFactor: 1.5, CacheTTLMinutes: 10, TimeoutSeconds: 10},
	}
}

// RateTable 提供商名称到配置的映射，可并发读写
type RateTable struct {
	mu      sync.RWMutex
	configs map[string]ProviderConfig
}

// NewRateTable 创建带内置配置的配置表
func NewRateTable() *RateTable {
	return &RateTable{configs: BuiltinProviders()}
}

// Get 获取提供商配置，未知名称回退到 default，永不失败
func (t *RateTable) Get(name string) ProviderConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if cfg, ok := t.configs[name]; ok {
		return cfg
	}
	cfg := t.configs[DefaultProviderName]
	cfg.Name = name
	return cfg
}

// Register 以 default 配置为基础合并覆盖字段并注册。
// 注意合并基础始终是 default，而不是该名称之前注册过的配置。
func (t *RateTable) Register(name string, overrides ProviderOverrides) error {
	if name == "" {
		return apperr.NewError(apperr.CodeConfigInvalid, "provider name cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cfg := overrides.apply(t.configs[DefaultProviderName])
	cfg.Name = name
	if err := cfg.Validate(); err != nil {
		return err
	}
	t.configs[name] = cfg
	return nil
}

// Names 返回已注册的提供商名称(已排序)
func (t *RateTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.configs))
	for name := range t.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
