package limiter

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		// 限流类错误
		{"HTTP 429", errors.New("HTTP 429"), ClassRateLimited},
		{"Rate Limit大写", errors.New("API Rate Limit reached"), ClassRateLimited},
		{"Too Many Requests", errors.New("Too Many Requests"), ClassRateLimited},
		{"配额", errors.New("daily quota used up"), ClassRateLimited},
		{"超出", errors.New("call frequency exceeded"), ClassRateLimited},
		{"包装错误", fmt.Errorf("fetch quote: %w", errors.New("status 429")), ClassRateLimited},
		// 启发式误判也按限流处理
		{"磁盘配额", errors.New("disk quota exceeded"), ClassRateLimited},

		// 其他错误
		{"超时", errors.New("i/o timeout"), ClassOther},
		{"连接拒绝", errors.New("dial tcp: connection refused"), ClassOther},
		{"404", errors.New("HTTP/1.1 404 Not Found"), ClassOther},

		{"nil错误", nil, ClassNone},
	}

	classifier := NewErrorClassifier()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual := classifier.Classify(tt.err)
			assert.Equal(t, tt.expected, actual, "错误分类应匹配预期: %s", tt.name)
		})
	}
}

func TestErrorClassifier_自定义片段(t *testing.T) {
	classifier := NewErrorClassifier(" Throttled ", "")

	assert.True(t, classifier.IsRateLimited(errors.New("request THROTTLED by upstream")))
	assert.False(t, classifier.IsRateLimited(errors.New("HTTP 429")), "自定义片段替换默认片段")

	pred := classifier.Predicate()
	assert.True(t, pred(errors.New("throttled")))
}

func TestIsRateLimited_默认分类器(t *testing.T) {
	assert.True(t, IsRateLimited(errors.New("429 Too Many Requests")))
	assert.False(t, IsRateLimited(errors.New("invalid symbol")))
	assert.False(t, IsRateLimited(nil))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "none", ClassNone.String())
	assert.Equal(t, "rate_limited", ClassRateLimited.String())
	assert.Equal(t, "other", ClassOther.String())
}
