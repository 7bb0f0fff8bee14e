package cache

import (
	"context"
	"time"
)

// Store 按 (source, key) 存取 API 结果的持久缓存。
// 所有实现都可被多个 goroutine 并发使用，每次调用各自独立，
// 读取-抓取-写入的整体流程不具备原子性，后写入者覆盖先写入者。
type Store interface {
	// Get 获取未过期的条目，未命中返回 (Entry{}, false, nil)。
	// 读到已过期的条目时顺带删除。
	Get(ctx context.Context, source, key string) (Entry, bool, error)
	// Set 写入或覆盖条目，写入时间为当前时间
	Set(ctx context.Context, source, key string, payload []byte, ttlMinutes int) error
	// ClearExpired 删除所有过期条目，返回删除数量
	ClearExpired(ctx context.Context) (int64, error)
	// ClearSource 删除某个来源的全部条目，返回删除数量
	ClearSource(ctx context.Context, source string) (int64, error)
	// Stats 统计信息
	Stats(ctx context.Context) (Stats, error)
	// Close 释放底层资源
	Close() error
}

// Entry 缓存条目
type Entry struct {
	Source     string    `json:"source"`
	Key        string    `json:"key"`
	Payload    []byte    `json:"payload"`     // JSON 编码的结果
	WrittenAt  time.Time `json:"written_at"`  // 写入时间
	TTLMinutes int       `json:"ttl_minutes"` // 有效期(分钟)
}

// TTL 有效期
func (e Entry) TTL() time.Duration {
	return time.Duration(e.TTLMinutes) * time.Minute
}

// ExpiresAt 过期时间
func (e Entry) ExpiresAt() time.Time {
	return e.WrittenAt.Add(e.TTL())
}

// Expired 条目只在 now-WrittenAt < TTL 时有效
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.WrittenAt) >= e.TTL()
}

// Stats 缓存统计信息
type Stats struct {
	TotalEntries  int64            `json:"total_entries"`  // 条目总数(含尚未清理的过期条目)
	BySource      map[string]int64 `json:"by_source"`      // 各来源条目数
	RecentEntries int64            `json:"recent_entries"` // 最近一小时写入的条目数
	Backend       string           `json:"backend"`        // 存储后端
	Location      string           `json:"location"`       // 数据库路径或 Redis 地址
}

// RecentWindow 统计"最近写入"的时间窗口
const RecentWindow = time.Hour

// Option 存储选项
type Option func(*options)

type options struct {
	now func() time.Time
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock 注入时钟，测试中模拟时间流逝
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
