package cache

import "errors"

var (
	// ErrNotFound 表示缓存未命中（包括因过期被移除的条目）。
	ErrNotFound = errors.New("cache entry not found")

	// ErrCacheSizeExceeded 表示单个对象超过了整个缓存的容量上限，调用方应直接回源且不缓存。
	ErrCacheSizeExceeded = errors.New("cache size exceeded")

	// ErrInvalidDirectory 表示缓存目录不存在、不是目录或不可读写。
	ErrInvalidDirectory = errors.New("invalid cache directory")

	// ErrEmptyIndex 表示需要淘汰条目但索引已为空。
	ErrEmptyIndex = errors.New("cache index is empty")

	// ErrTransactionClosed 表示对已提交或已放弃的写事务继续操作。
	ErrTransactionClosed = errors.New("cache transaction closed")
)
