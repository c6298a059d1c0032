//go:build !linux && !darwin

package cache

import (
	"os"
	"time"
)

// 其它平台没有统一的访问时间字段，退回修改时间。
func accessTime(info os.FileInfo) time.Time {
	return info.ModTime()
}
