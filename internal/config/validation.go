package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if level := strings.TrimSpace(g.LogLevel); level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别: "+level)
		}
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxBackups", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Cache.validate()
}

func (c CacheConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Path) == "" {
		return newFieldError(cacheField("Path"), "启用缓存时不能为空")
	}
	if c.MaxSize < 0 {
		return newFieldError(cacheField("MaxSize"), "不能为负数")
	}
	if c.MaxEntries < 0 {
		return newFieldError(cacheField("MaxEntries"), "不能为负数")
	}
	if c.MaxAge.DurationValue() < 0 {
		return newFieldError(cacheField("MaxAge"), "不能为负数")
	}
	if c.SweepInterval.DurationValue() < 0 {
		return newFieldError(cacheField("SweepInterval"), "不能为负数")
	}
	return nil
}
