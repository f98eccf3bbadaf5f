package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := validatePort("HTTPPort", c.HTTPPort); err != nil {
		return err
	}
	if err := validatePort("HTTPSPort", c.HTTPSPort); err != nil {
		return err
	}
	if c.MaxPortAttempts < 1 {
		return newFieldError("MaxPortAttempts", "至少为 1")
	}
	if c.PortStep < 1 {
		return newFieldError("PortStep", "至少为 1")
	}
	if c.HTTPPort+(c.MaxPortAttempts-1)*c.PortStep > 65535 {
		return newFieldError("MaxPortAttempts", "端口顺延后会超出 65535")
	}
	if c.TLSEnabled() && c.HTTPSPort+(c.MaxPortAttempts-1)*c.PortStep > 65535 {
		return newFieldError("MaxPortAttempts", "HTTPS 端口顺延后会超出 65535")
	}
	if c.ProxyPrefix != "" && !strings.HasPrefix(c.ProxyPrefix, "/") {
		return newFieldError("ProxyPrefix", "必须以 / 开头")
	}
	if c.ProxyTarget != "" {
		if err := validateUpstream(c.ProxyTarget); err != nil {
			return fmt.Errorf("ProxyTarget: %w", err)
		}
	}
	if c.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("UpstreamTimeout", "不能为负数")
	}
	if strings.TrimSpace(c.IndexFile) == "" {
		return newFieldError("IndexFile", "不能为空")
	}
	if strings.ContainsAny(c.IndexFile, `/\`) {
		return newFieldError("IndexFile", "只能是 PublicDir 下的文件名")
	}
	if _, err := logrus.ParseLevel(c.Log.LogLevel); err != nil {
		return newFieldError("LogLevel", err.Error())
	}
	if c.Log.LogMaxSize < 0 || c.Log.LogMaxBackups < 0 {
		return newFieldError("LogMaxSize/LogMaxBackups", "不能为负数")
	}

	return nil
}

func validatePort(field string, port int) error {
	if port < 0 || port > 65535 {
		return newFieldError(field, "必须在 0-65535")
	}
	return nil
}

func validateUpstream(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
