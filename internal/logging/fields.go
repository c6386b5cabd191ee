package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ResolveFields 提供查找链路的公共字段；key/tier 为空时省略。
func ResolveFields(action, key, tier string) logrus.Fields {
	fields := logrus.Fields{"action": action}
	if key != "" {
		fields["key"] = key
	}
	if tier != "" {
		fields["tier"] = tier
	}
	return fields
}

// RequestFields 提供 HTTP 请求日志字段。
func RequestFields(requestID, method, path string, status int) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"status":     status,
	}
}
