package cache

import (
	apperr "finapi/pkg/error"
)

// ioError 包装底层存储错误
func ioError(op, source, key string, cause error) error {
	e := apperr.WrapError(apperr.CodeCacheIO, op, cause)
	if source != "" {
		e.WithContext("source", source)
	}
	if key != "" {
		e.WithContext("key", key)
	}
	return e
}
