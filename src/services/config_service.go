package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"gopkg.in/yaml.v3"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/kubernetes"

	"me.sttot/certbot-k8s/src/models"
	"me.sttot/certbot-k8s/src/utils"
)

// ConfigService 保存运维人员提供的配置，配置来源于一个包含YAML文档的Secret
type ConfigService struct {
	clientset  kubernetes.Interface
	namespace  string
	secretName string
	key        string
	current    models.Config
}

func NewConfigService(clientset kubernetes.Interface, namespace, secretName, key string) *ConfigService {
	utils.DebugLog("创建配置服务, Secret: %s/%s, key: %s", namespace, secretName, key)
	return &ConfigService{
		clientset:  clientset,
		namespace:  namespace,
		secretName: secretName,
		key:        key,
	}
}

// SecretName 配置所在的Secret名称
func (cs *ConfigService) SecretName() string {
	return cs.secretName
}

// Load 从配置Secret读取配置，Secret不存在时返回空配置
func (cs *ConfigService) Load(ctx context.Context) (models.Config, error) {
	utils.DebugLog("从Secret %s/%s加载配置", cs.namespace, cs.secretName)

	secret, err := cs.clientset.CoreV1().Secrets(cs.namespace).Get(ctx, cs.secretName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		utils.DebugLog("配置Secret不存在，使用空配置")
		return models.Config{}, nil
	}
	if err != nil {
		return models.Config{}, fmt.Errorf("获取配置Secret失败: %w", err)
	}

	configYaml, ok := secret.Data[cs.key]
	if !ok {
		utils.DebugLog("配置Secret中没有找到%s，使用空配置", cs.key)
		return models.Config{}, nil
	}

	cfg, err := parseYamlConfig(configYaml)
	if err != nil {
		return models.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return cfg, nil
}

// Set 保存配置，返回域名是否发生变化
func (cs *ConfigService) Set(cfg models.Config) bool {
	cfg.ServiceHostname = strings.TrimSpace(cfg.ServiceHostname)
	cfg.Email = strings.TrimSpace(cfg.Email)

	changed := cs.current.ServiceHostname != cfg.ServiceHostname
	cs.current = cfg
	if changed {
		utils.DebugLog("域名变更为 '%s'", cfg.ServiceHostname)
	}
	return changed
}

// Get 返回最近一次保存的配置
func (cs *ConfigService) Get() models.Config {
	return cs.current
}

// ValidateConfig 检查签发证书所需的配置是否齐全
func ValidateConfig(cfg models.Config) error {
	var errs []error

	if cfg.ServiceHostname == "" {
		errs = append(errs, errors.New("service-hostname is not set"))
	}
	if err := ValidateEmail(cfg.Email); err != nil {
		errs = append(errs, err)
	}
	if !cfg.AgreeTOS {
		errs = append(errs, errors.New("agree-tos must be set to true"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, utilerrors.NewAggregate(errs))
	}
	return nil
}

// ValidateEmail 检查邮箱地址在语法上是否合理
func ValidateEmail(email string) error {
	if email == "" {
		return errors.New("email is not set")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("email '%s' is not a valid address", email)
	}
	return nil
}

// parseYamlConfig 解析YAML配置，未知的键会被忽略
func parseYamlConfig(yamlData []byte) (models.Config, error) {
	var cfg models.Config
	if err := yaml.Unmarshal(yamlData, &cfg); err != nil {
		return models.Config{}, fmt.Errorf("解析YAML配置失败: %v", err)
	}
	return cfg, nil
}
