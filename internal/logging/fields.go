package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ListenerFields 描述一次监听启动，label 区分 HTTP/HTTPS。
func ListenerFields(action, label string, port int) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"label":  label,
		"port":   port,
	}
}

// RequestFields 提供单个请求的访问日志字段。
func RequestFields(method, path, requestID string, status int, elapsedMs int64) logrus.Fields {
	fields := logrus.Fields{
		"action":     "request",
		"method":     method,
		"path":       path,
		"status":     status,
		"elapsed_ms": elapsedMs,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
