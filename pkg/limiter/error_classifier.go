package limiter

import (
	"strings"
)

// ErrorClass 错误分类
type ErrorClass int

const (
	ClassNone        ErrorClass = iota // 没有错误
	ClassRateLimited                   // 限流类错误，可退避重试
	ClassOther                         // 其他错误，立即放弃
)

// String 返回分类名称
func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "other"
	}
}

// DefaultRateLimitPatterns 默认识别为限流的错误文本片段(小写)
var DefaultRateLimitPatterns = []string{
	"rate limit",
	"429",
	"too many requests",
	"quota",
	"exceeded",
}

// RateLimitPredicate 判断错误是否属于限流类
type RateLimitPredicate func(err error) bool

// ErrorClassifier 按错误文本片段进行分类。
// 这是启发式判断，如 "disk quota exceeded" 也会被当作限流。
type ErrorClassifier struct {
	patterns []string
}

// NewErrorClassifier 创建错误分类器，不传片段时使用默认片段
func NewErrorClassifier(patterns ...string) *ErrorClassifier {
	if len(patterns) == 0 {
		patterns = DefaultRateLimitPatterns
	}
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	return &ErrorClassifier{patterns: lowered}
}

// Classify 根据错误内容分类
func (c *ErrorClassifier) Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	msg := strings.ToLower(err.Error())
	for _, p := range c.patterns {
		if strings.Contains(msg, p) {
			return ClassRateLimited
		}
	}
	return ClassOther
}

// IsRateLimited 判断是否为限流类错误
func (c *ErrorClassifier) IsRateLimited(err error) bool {
	return c.Classify(err) == ClassRateLimited
}

// Predicate 以函数形式返回分类器
func (c *ErrorClassifier) Predicate() RateLimitPredicate {
	return c.IsRateLimited
}

var defaultClassifier = NewErrorClassifier()

// IsRateLimited 使用默认片段判断是否为限流类错误
func IsRateLimited(err error) bool {
	return defaultClassifier.IsRateLimited(err)
}
