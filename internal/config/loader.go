package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultHTTPPort        = 3000
	defaultHTTPSPort       = 3443
	defaultProxyPrefix     = "/api"
	defaultKeyPath         = "cert/dev.key"
	defaultCertPath        = "cert/dev.crt"
	defaultPublicDir       = "public"
	defaultIndexFile       = "index.html"
	defaultMaxPortAttempts = 10
	defaultPortStep        = 1
)

// envBindings 将配置键映射到开发环境常用的环境变量名。
var envBindings = map[string]string{
	"HTTPPort":        "PORT",
	"HTTPSPort":       "SSL_PORT",
	"Host":            "HOST",
	"ProxyPrefix":     "PROXY_PREFIX",
	"ProxyTarget":     "PROXY_TARGET",
	"UpstreamTimeout": "UPSTREAM_TIMEOUT",
	"HTTPS":           "HTTPS",
	"KeyPath":         "SSL_KEY_PATH",
	"CertPath":        "SSL_CERT_PATH",
	"PublicDir":       "PUBLIC_DIR",
	"IndexFile":       "INDEX_FILE",
	"MaxPortAttempts": "MAX_PORT_ATTEMPTS",
	"PortStep":        "PORT_STEP",
	"LogLevel":        "LOG_LEVEL",
	"LogFilePath":     "LOG_FILE_PATH",
	"LogMaxSize":      "LOG_MAX_SIZE",
	"LogMaxBackups":   "LOG_MAX_BACKUPS",
	"LogCompress":     "LOG_COMPRESS",
}

// Load 按“默认值 → 可选 TOML 文件 → 环境变量”的优先级读取配置，并完成校验。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), boolToStringHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := resolvePaths(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTPPort", defaultHTTPPort)
	v.SetDefault("HTTPSPort", defaultHTTPSPort)
	v.SetDefault("Host", "")
	v.SetDefault("ProxyPrefix", defaultProxyPrefix)
	v.SetDefault("ProxyTarget", "")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("HTTPS", "")
	v.SetDefault("KeyPath", defaultKeyPath)
	v.SetDefault("CertPath", defaultCertPath)
	v.SetDefault("PublicDir", defaultPublicDir)
	v.SetDefault("IndexFile", defaultIndexFile)
	v.SetDefault("MaxPortAttempts", defaultMaxPortAttempts)
	v.SetDefault("PortStep", defaultPortStep)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
}

// applyDefaults 兜底处理直接构造 Config（例如测试）时留空的字段。
func applyDefaults(c *Config) {
	if c.MaxPortAttempts == 0 {
		c.MaxPortAttempts = defaultMaxPortAttempts
	}
	if c.PortStep == 0 {
		c.PortStep = defaultPortStep
	}
	if c.IndexFile == "" {
		c.IndexFile = defaultIndexFile
	}
	if c.PublicDir == "" {
		c.PublicDir = defaultPublicDir
	}
	if c.KeyPath == "" {
		c.KeyPath = defaultKeyPath
	}
	if c.CertPath == "" {
		c.CertPath = defaultCertPath
	}
	if c.Log.LogLevel == "" {
		c.Log.LogLevel = "info"
	}
}

func resolvePaths(c *Config) error {
	for _, item := range []struct {
		field string
		value *string
	}{
		{"PublicDir", &c.PublicDir},
		{"KeyPath", &c.KeyPath},
		{"CertPath", &c.CertPath},
	} {
		abs, err := filepath.Abs(*item.value)
		if err != nil {
			return fmt.Errorf("无法解析路径 %s: %w", item.field, err)
		}
		*item.value = abs
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			var d Duration
			if err := d.UnmarshalText([]byte(v)); err != nil {
				if seconds, floatErr := strconv.ParseFloat(v, 64); floatErr == nil {
					return Duration(time.Duration(seconds * float64(time.Second))), nil
				}
				return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
			}
			return d, nil
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// boolToStringHook 让 TOML 中的 HTTPS = true 与环境变量 HTTPS=true 得到同样的字符串。
func boolToStringHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.Bool || to.Kind() != reflect.String {
			return data, nil
		}
		return strconv.FormatBool(data.(bool)), nil
	}
}
