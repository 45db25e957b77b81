package services

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidConfiguration 配置缺失或格式错误，或未同意服务条款
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrRelationUnavailable 没有连接 ingress 协作方
	ErrRelationUnavailable = errors.New("ingress relation unavailable")
	// ErrTooManyRelations ingress 关系最多只允许一个
	ErrTooManyRelations = errors.New("too many ingress relations")
	// ErrChallengeFailed ACME HTTP 挑战失败
	ErrChallengeFailed = errors.New("acme challenge failed")
	// ErrRateLimited 被 ACME 服务器限流
	ErrRateLimited = errors.New("acme rate limited")
	// ErrToolUnavailable certbot 不存在或无法执行
	ErrToolUnavailable = errors.New("certificate tool unavailable")
	// ErrNotReady 尚未成功签发过证书
	ErrNotReady = errors.New("certificate not ready")
)

// certbot 输出中用于判断失败原因的关键字
var (
	rateLimitMarkers = []string{
		"too many certificates",
		"too many failed authorizations",
		"too many new orders",
		"ratelimited",
		"rate limit",
	}
	configurationMarkers = []string{
		"urn:ietf:params:acme:error:invalidcontact",
		"urn:ietf:params:acme:error:rejectedidentifier",
		"invalid email",
		"not a valid email",
		"requested name",
		"must agree to",
	}
)

// classifyCertbotOutput 根据 certbot 的输出判断错误类别，无法识别时归为挑战失败
func classifyCertbotOutput(output string) error {
	lower := strings.ToLower(output)
	switch {
	case containsAny(lower, rateLimitMarkers):
		return ErrRateLimited
	case containsAny(lower, configurationMarkers):
		return ErrInvalidConfiguration
	default:
		return ErrChallengeFailed
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
