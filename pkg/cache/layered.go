package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LayeredStore 在持久存储前加一层进程内 LRU。
// 写入时同时写两层，清理操作会同步失效内存层。
type LayeredStore struct {
	backend Store
	memory  *lru.Cache[string, Entry]
	now     func() time.Time

	memoryHits atomic.Int64
}

// NewLayeredStore 创建分层缓存，size 为内存层最大条目数
func NewLayeredStore(backend Store, size int, opts ...Option) (*LayeredStore, error) {
	o := newOptions(opts)
	memory, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create memory layer: %w", err)
	}
	return &LayeredStore{backend: backend, memory: memory, now: o.now}, nil
}

func memoryKey(source, key string) string {
	return source + "\x00" + key
}

// Get 先查内存层，未命中再查持久层并回填
func (l *LayeredStore) Get(ctx context.Context, source, key string) (Entry, bool, error) {
	mk := memoryKey(source, key)
	if entry, ok := l.memory.Get(mk); ok {
		if !entry.Expired(l.now()) {
			l.memoryHits.Add(1)
			return entry, true, nil
		}
		l.memory.Remove(mk)
	}

	entry, ok, err := l.backend.Get(ctx, source, key)
	if err != nil || !ok {
		return entry, ok, err
	}
	l.memory.Add(mk, entry)
	return entry, true, nil
}

// Set 写穿透到两层
func (l *LayeredStore) Set(ctx context.Context, source, key string, payload []byte, ttlMinutes int) error {
	if err := l.backend.Set(ctx, source, key, payload, ttlMinutes); err != nil {
		l.memory.Remove(memoryKey(source, key))
		return err
	}
	l.memory.Add(memoryKey(source, key), Entry{
		Source:     source,
		Key:        key,
		Payload:    payload,
		WrittenAt:  l.now(),
		TTLMinutes: ttlMinutes,
	})
	return nil
}

// ClearExpired 清理两层中的过期条目，返回持久层删除数量
func (l *LayeredStore) ClearExpired(ctx context.Context) (int64, error) {
	now := l.now()
	for _, mk := range l.memory.Keys() {
		if entry, ok := l.memory.Peek(mk); ok && entry.Expired(now) {
			l.memory.Remove(mk)
		}
	}
	return l.backend.ClearExpired(ctx)
}

// ClearSource 清理某个来源在两层中的条目
func (l *LayeredStore) ClearSource(ctx context.Context, source string) (int64, error) {
	for _, mk := range l.memory.Keys() {
		if entry, ok := l.memory.Peek(mk); ok && entry.Source == source {
			l.memory.Remove(mk)
		}
	}
	return l.backend.ClearSource(ctx, source)
}

// Stats 返回持久层统计，后端名称标注内存层
func (l *LayeredStore) Stats(ctx context.Context) (Stats, error) {
	stats, err := l.backend.Stats(ctx)
	if err != nil {
		return stats, err
	}
	stats.Backend = "lru+" + stats.Backend
	return stats, nil
}

// MemoryLen 内存层当前条目数
func (l *LayeredStore) MemoryLen() int {
	return l.memory.Len()
}

// MemoryHits 内存层命中次数
func (l *LayeredStore) MemoryHits() int64 {
	return l.memoryHits.Load()
}

// Close 清空内存层并关闭持久层
func (l *LayeredStore) Close() error {
	l.memory.Purge()
	return l.backend.Close()
}

var _ Store = (*LayeredStore)(nil)
