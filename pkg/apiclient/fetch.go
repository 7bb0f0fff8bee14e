package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// maxKeyLength 查询键的最大长度，超出部分替换为哈希
const maxKeyLength = 200

// Fetch 类型化的 CallWithCacheAndLimit，缓存命中时解码为 T
func Fetch[T any](ctx context.Context, c *Client, key string, fetch func(ctx context.Context) (T, error), opts ...CallOption) (T, bool) {
	var zero T

	wrapped := func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}
	decode := func(payload []byte) (any, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	}

	v, ok := c.call(ctx, wrapped, key, decode, newCallOptions(opts))
	if !ok {
		return zero, false
	}
	if v == nil {
		return zero, true
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Decorate 把单参数抓取函数包装为带缓存和限流的函数，查询键由 op 和参数生成
func Decorate[A any, T any](c *Client, op string, fn func(ctx context.Context, arg A) (T, error), opts ...CallOption) func(ctx context.Context, arg A) (T, bool) {
	return func(ctx context.Context, arg A) (T, bool) {
		key := QueryKey(op, arg)
		return Fetch(ctx, c, key, func(ctx context.Context) (T, error) {
			return fn(ctx, arg)
		}, opts...)
	}
}

// QueryKey 由操作名和参数生成可读的查询键，如 quote_AAPL_1d。
// 空格替换为下划线；超长的键截断后追加 xxhash 摘要以保持唯一。
func QueryKey(op string, args ...any) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, op)
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	key := strings.ReplaceAll(strings.Join(parts, "_"), " ", "_")

	if len(key) <= maxKeyLength {
		return key
	}
	sum := strconv.FormatUint(xxhash.Sum64String(key), 16)
	cut := maxKeyLength - len(sum) - 1
	for cut > 0 && !utf8.RuneStart(key[cut]) {
		cut--
	}
	return key[:cut] + "_" + sum
}
