package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxHistory 默认保留的调用记录数
const DefaultMaxHistory = 1000

// Status 调用结果
type Status string

const (
	StatusSuccess     Status = "success"
	StatusCacheHit    Status = "cache_hit"
	StatusRateLimited Status = "rate_limited"
	StatusCircuitOpen Status = "circuit_open"
	StatusError       Status = "error"
)

// CallRecord 一次调用的记录，只用于统计，不参与控制流程
type CallRecord struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	Endpoint     string    `json:"endpoint"`
	Status       Status    `json:"status"`
	ResponseTime float64   `json:"response_time"` // 秒
	Error        string    `json:"error,omitempty"`
}

// Stats 调用统计
type Stats struct {
	TotalCalls      int     `json:"total_calls"`
	Success         int     `json:"success"`
	CacheHits       int     `json:"cache_hits"`
	RateLimited     int     `json:"rate_limited"`
	Failed          int     `json:"failed"`            // total - success - cache_hits
	AvgResponseTime float64 `json:"avg_response_time"` // 只统计响应时间大于0的记录
	SuccessRate     float64 `json:"success_rate"`      // (success + cache_hits) / total * 100
}

// Sink 调用记录的外部接收者，在记录写入后同步调用
type Sink interface {
	Write(rec CallRecord)
}

// Tracker 固定容量的调用历史，满了以后淘汰最旧的记录
type Tracker struct {
	mu       sync.RWMutex
	records  []CallRecord
	head     int // 最旧记录的位置
	size     int
	capacity int

	now   func() time.Time
	sinks []Sink
}

// Option 追踪器选项
type Option func(*Tracker)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithSink 添加记录接收者
func WithSink(sink Sink) Option {
	return func(t *Tracker) {
		if sink != nil {
			t.sinks = append(t.sinks, sink)
		}
	}
}

// New 创建追踪器，capacity<=0 时使用默认容量
func New(capacity int, opts ...Option) *Tracker {
	if capacity <= 0 {
		capacity = DefaultMaxHistory
	}
	t := &Tracker{
		records:  make([]CallRecord, capacity),
		capacity: capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record 追加一条记录
func (t *Tracker) Record(source, endpoint string, status Status, responseTime time.Duration, errText string) CallRecord {
	rec := CallRecord{
		ID:           uuid.New().String(),
		Timestamp:    t.now(),
		Source:       source,
		Endpoint:     endpoint,
		Status:       status,
		ResponseTime: responseTime.Seconds(),
		Error:        errText,
	}

	t.mu.Lock()
	if t.size < t.capacity {
		t.records[(t.head+t.size)%t.capacity] = rec
		t.size++
	} else {
		t.records[t.head] = rec
		t.head = (t.head + 1) % t.capacity
	}
	sinks := t.sinks
	t.mu.Unlock()

	for _, s := range sinks {
		s.Write(rec)
	}
	return rec
}

// each 从旧到新遍历，调用方必须持有读锁
func (t *Tracker) each(fn func(rec *CallRecord)) {
	for i := 0; i < t.size; i++ {
		fn(&t.records[(t.head+i)%t.capacity])
	}
}

// Records 返回记录快照(从旧到新)，source 为空时返回全部
func (t *Tracker) Records(source string) []CallRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]CallRecord, 0, t.size)
	t.each(func(rec *CallRecord) {
		if source == "" || rec.Source == source {
			out = append(out, *rec)
		}
	})
	return out
}

// Stats 统计某个来源的调用，source 为空时统计全部
func (t *Tracker) Stats(source string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var st Stats
	var rtSum float64
	var rtCount int
	t.each(func(rec *CallRecord) {
		if source != "" && rec.Source != source {
			return
		}
		st.TotalCalls++
		switch rec.Status {
		case StatusSuccess:
			st.Success++
		case StatusCacheHit:
			st.CacheHits++
		case StatusRateLimited:
			st.RateLimited++
		}
		if rec.ResponseTime > 0 {
			rtSum += rec.ResponseTime
			rtCount++
		}
	})

	st.Failed = st.TotalCalls - st.Success - st.CacheHits
	if rtCount > 0 {
		st.AvgResponseTime = rtSum / float64(rtCount)
	}
	if st.TotalCalls > 0 {
		st.SuccessRate = float64(st.Success+st.CacheHits) / float64(st.TotalCalls) * 100
	}
	return st
}

// RecentErrors 最近 limit 条带错误信息的记录，按时间从旧到新
func (t *Tracker) RecentErrors(limit int) []CallRecord {
	return t.RecentErrorsFor("", limit)
}

// RecentErrorsFor 某个来源最近 limit 条带错误信息的记录
func (t *Tracker) RecentErrorsFor(source string, limit int) []CallRecord {
	if limit <= 0 {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]CallRecord, 0, limit)
	for i := t.size - 1; i >= 0 && len(out) < limit; i-- {
		rec := t.records[(t.head+i)%t.capacity]
		if rec.Error == "" {
			continue
		}
		if source != "" && rec.Source != source {
			continue
		}
		out = append(out, rec)
	}
	// 反转为从旧到新
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len 当前记录数
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Capacity 最大记录数
func (t *Tracker) Capacity() int {
	return t.capacity
}

// Reset 清空历史
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make([]CallRecord, t.capacity)
	t.head = 0
	t.size = 0
}
