package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// configEnvNames 与 config 包绑定的环境变量一致，测试前统一清空。
var configEnvNames = []string{
	"PORT", "SSL_PORT", "HOST", "PROXY_PREFIX", "PROXY_TARGET", "UPSTREAM_TIMEOUT",
	"HTTPS", "SSL_KEY_PATH", "SSL_CERT_PATH", "PUBLIC_DIR", "INDEX_FILE",
	"MAX_PORT_ATTEMPTS", "PORT_STEP", "LOG_LEVEL", "LOG_FILE_PATH",
	"LOG_MAX_SIZE", "LOG_MAX_BACKUPS", "LOG_COMPRESS", "DEVSERVE_CONFIG",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, name := range configEnvNames {
		t.Setenv(name, "")
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存缓冲区。
func useBufferWriters(t *testing.T) {
	t.Helper()
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &bytes.Buffer{}, &bytes.Buffer{}
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
}

func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}
