package error

// 访问层使用的错误代码。
// 这些错误不会跨越 Client 的公开调用边界，只出现在日志、追踪记录和基础设施构造函数的返回值中。
const (
	// CodeCacheMiss 缓存未命中，不算错误
	CodeCacheMiss ErrorCode = "CACHE_MISS"
	// CodeCircuitOpen 熔断器打开，调用被直接拒绝
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// CodeRateLimited 提供商返回限流类错误，可退避重试
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	// CodeFetchFailed 其他类型的抓取失败，立即放弃
	CodeFetchFailed ErrorCode = "FETCH_FAILED"
	// CodeFetchPanic 抓取函数发生 panic
	CodeFetchPanic ErrorCode = "FETCH_PANIC"
	// CodeRetriesExhausted 限流重试次数耗尽
	CodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	// CodeCacheIO 缓存存储读写失败
	CodeCacheIO ErrorCode = "CACHE_IO"
	// CodeSerializeFailed 结果无法序列化或反序列化
	CodeSerializeFailed ErrorCode = "SERIALIZE_FAILED"
	// CodeConfigInvalid 配置不合法
	CodeConfigInvalid ErrorCode = "CONFIG_INVALID"
	// CodeCanceled 调用方取消或超时
	CodeCanceled ErrorCode = "CANCELED"
)

// 用于 errors.Is 比较的哨兵错误
var (
	ErrCircuitOpen      = NewError(CodeCircuitOpen, "circuit breaker is open")
	ErrRetriesExhausted = NewError(CodeRetriesExhausted, "rate limit retries exhausted")
	ErrConfigInvalid    = NewError(CodeConfigInvalid, "invalid configuration")
	ErrCacheIO          = NewError(CodeCacheIO, "cache storage failure")
)
