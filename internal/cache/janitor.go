package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RunJanitor 每隔 interval 调用一次 ExpireAll，直到 ctx 取消。
// interval <= 0 或未配置 MaxAge 时立即返回；过期判定本身不依赖它运行。
func (ix *Index) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || ix.maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := ix.ExpireAll()
			fields := logrus.Fields{"action": "cache_sweep", "expired": len(expired)}
			if err != nil {
				ix.logger.WithError(err).WithFields(fields).Warn("cache sweep incomplete")
				continue
			}
			if len(expired) > 0 {
				ix.logger.WithFields(fields).Info("cache sweep finished")
			}
		}
	}
}
