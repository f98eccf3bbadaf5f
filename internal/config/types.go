package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// LogConfig 描述日志输出行为，与 logging.InitLogger 对应。
type LogConfig struct {
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
}

// Config 是启动时读取一次的完整配置，加载完成后不再修改。
type Config struct {
	// HTTPPort/HTTPSPort 是首选监听端口，被占用时由 listener 包顺延。
	HTTPPort  int    `mapstructure:"HTTPPort"`
	HTTPSPort int    `mapstructure:"HTTPSPort"`
	Host      string `mapstructure:"Host"`

	// ProxyPrefix 下的请求转发到 ProxyTarget；ProxyTarget 为空表示关闭转发。
	ProxyPrefix     string   `mapstructure:"ProxyPrefix"`
	ProxyTarget     string   `mapstructure:"ProxyTarget"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	// HTTPS 保留原始字符串，只有不区分大小写的 "true" 才会启用 TLS。
	HTTPS    string `mapstructure:"HTTPS"`
	KeyPath  string `mapstructure:"KeyPath"`
	CertPath string `mapstructure:"CertPath"`

	PublicDir string `mapstructure:"PublicDir"`
	IndexFile string `mapstructure:"IndexFile"`

	MaxPortAttempts int `mapstructure:"MaxPortAttempts"`
	PortStep        int `mapstructure:"PortStep"`

	Log LogConfig `mapstructure:",squash"`
}

// TLSEnabled 表示是否需要尝试启动 HTTPS 监听。
func (c *Config) TLSEnabled() bool {
	return c != nil && strings.EqualFold(c.HTTPS, "true")
}

// ForwardingEnabled 表示是否配置了开发代理上游。
func (c *Config) ForwardingEnabled() bool {
	return c != nil && c.ProxyTarget != ""
}
