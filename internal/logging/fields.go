package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cacheproxy/internal/config"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 url/method/命中状态字段，供代理请求日志复用。
func RequestFields(url, method string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"url":       url,
		"method":    method,
		"cache_hit": cacheHit,
	}
}

// CacheFields 输出缓存目录与三种上限，启动日志与诊断共用。
func CacheFields(cfg config.CacheConfig) logrus.Fields {
	return logrus.Fields{
		"cache_enabled":     cfg.Enabled,
		"cache_path":        cfg.Path,
		"cache_max_size":    cfg.MaxSize,
		"cache_max_entries": cfg.MaxEntries,
		"cache_max_age":     cfg.MaxAge.DurationValue().String(),
	}
}
