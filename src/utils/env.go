package utils

import (
	"os"
	"time"
)

// GetEnvOrDefault 从环境变量获取值，如果不存在则返回默认值
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetDurationEnvOrDefault 从环境变量解析时间间隔，解析失败时使用默认值
func GetDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		WarningLog("无法解析%s环境变量 '%s', 使用默认值%s: %v", key, value, defaultValue, err)
		return defaultValue
	}
	return duration
}
