package models

import (
	"fmt"
	"regexp"
)

var secretNameRegex = regexp.MustCompile("[^0-9a-zA-Z]")

// Config 运维人员提供的配置项，未识别的键会被忽略
type Config struct {
	ServiceHostname string `json:"service-hostname" yaml:"service-hostname"`
	Email           string `json:"email" yaml:"email"`
	AgreeTOS        bool   `json:"agree-tos" yaml:"agree-tos"`
	DryRun          bool   `json:"dry-run" yaml:"dry-run"`
}

// Certificate certbot 签发出来的证书材料
type Certificate struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	CertData []byte `json:"-" yaml:"-"`
	KeyData  []byte `json:"-" yaml:"-"`
}

// CredentialReference 记录证书保存在哪个 Secret 中，而不是证书本身
type CredentialReference struct {
	Name      string `json:"name" yaml:"name"`
	Hostname  string `json:"hostname" yaml:"hostname"`
	Ready     bool   `json:"ready" yaml:"ready"`
	IssuedAt  string `json:"issued_at,omitempty" yaml:"issued_at,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// RelationRecord ingress 关系中本应用一侧的数据
type RelationRecord struct {
	Name            string `json:"name" yaml:"name"`
	ServiceHostname string `json:"service-hostname" yaml:"service-hostname"`
	ServiceName     string `json:"service-name" yaml:"service-name"`
	ServicePort     string `json:"service-port" yaml:"service-port"`
	PathRoutes      string `json:"path-routes" yaml:"path-routes"`
}

// StateContext 用于持久化存储控制器状态，供 action 进程读取
type StateContext struct {
	Phase      Phase                `json:"phase" yaml:"phase"`
	Status     UnitStatus           `json:"status" yaml:"status"`
	Hostname   string               `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Config     Config               `json:"config" yaml:"config"`
	Credential *CredentialReference `json:"credential,omitempty" yaml:"credential,omitempty"`

	// ResourceVersion 读取状态时 Secret 的版本，保存时用于检测并发写入
	ResourceVersion string `json:"-" yaml:"-"`
}

// SecretNameForHostname 根据域名生成 Secret 名称，例如 foo.li.sh -> foo-li-sh-tls
func SecretNameForHostname(hostname string) string {
	return fmt.Sprintf("%s-tls", secretNameRegex.ReplaceAllString(hostname, "-"))
}
