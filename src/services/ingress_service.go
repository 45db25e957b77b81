package services

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"me.sttot/certbot-k8s/src/models"
	"me.sttot/certbot-k8s/src/utils"
)

const (
	// AcmeChallengeRoute ACME HTTP-01 挑战使用的路径
	AcmeChallengeRoute = "/.well-known/acme-challenge"

	// RelationLabel 与 RequirerLabel 用来标识 ingress 关系的 ConfigMap
	RelationLabel = "certbot-k8s.sttot.me/relation"
	RequirerLabel = "certbot-k8s.sttot.me/requirer"
	relationName  = "ingress"

	keyServiceHostname = "service-hostname"
	keyServiceName     = "service-name"
	keyServicePort     = "service-port"
	keyPathRoutes      = "path-routes"

	checkFileName    = "foo.test"
	checkFileContent = "ignore me"

	defaultServicePort = 80
)

// HostResolver 域名解析，*net.Resolver 满足该接口
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ChallengeExposer 让 ingress 协作方把挑战路径路由到本服务
type ChallengeExposer interface {
	Relation(ctx context.Context) (*models.RelationRecord, error)
	EnsureRoute(ctx context.Context, hostname string) (bool, error)
	ResolveHostname(ctx context.Context, hostname string) bool
	CheckRoute(ctx context.Context, hostname string) bool
}

// IngressService ingress 关系的需求方，关系数据保存在带标签的 ConfigMap 中
type IngressService struct {
	clientset   kubernetes.Interface
	namespace   string
	appName     string
	servicePort int
	webroot     string
	httpClient  *http.Client
	resolver    HostResolver
}

func NewIngressService(clientset kubernetes.Interface, namespace, appName, webroot string) *IngressService {
	utils.DebugLog("创建ingress服务, 应用: %s, 命名空间: %s", appName, namespace)
	return &IngressService{
		clientset:   clientset,
		namespace:   namespace,
		appName:     appName,
		servicePort: defaultServicePort,
		webroot:     webroot,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		resolver:    net.DefaultResolver,
	}
}

// WithHTTPClient 替换检查路由时使用的 HTTP 客户端
func (s *IngressService) WithHTTPClient(c *http.Client) *IngressService {
	s.httpClient = c
	return s
}

// WithResolver 替换域名解析器
func (s *IngressService) WithResolver(r HostResolver) *IngressService {
	s.resolver = r
	return s
}

func (s *IngressService) selector() string {
	return labels.SelectorFromSet(labels.Set{
		RelationLabel: relationName,
		RequirerLabel: s.appName,
	}).String()
}

func (s *IngressService) relationConfigMap(ctx context.Context) (*corev1.ConfigMap, error) {
	list, err := s.clientset.CoreV1().ConfigMaps(s.namespace).List(ctx, metav1.ListOptions{LabelSelector: s.selector()})
	if err != nil {
		return nil, fmt.Errorf("获取ingress关系失败: %w", err)
	}

	switch len(list.Items) {
	case 0:
		return nil, ErrRelationUnavailable
	case 1:
		return &list.Items[0], nil
	default:
		return nil, fmt.Errorf("%w: found %d", ErrTooManyRelations, len(list.Items))
	}
}

// Relation 返回当前唯一的 ingress 关系
func (s *IngressService) Relation(ctx context.Context) (*models.RelationRecord, error) {
	cm, err := s.relationConfigMap(ctx)
	if err != nil {
		return nil, err
	}
	return &models.RelationRecord{
		Name:            cm.Name,
		ServiceHostname: cm.Data[keyServiceHostname],
		ServiceName:     cm.Data[keyServiceName],
		ServicePort:     cm.Data[keyServicePort],
		PathRoutes:      cm.Data[keyPathRoutes],
	}, nil
}

// EnsureRoute 请求 ingress 协作方为 hostname 暴露挑战路径，返回关系数据是否被修改
func (s *IngressService) EnsureRoute(ctx context.Context, hostname string) (bool, error) {
	cm, err := s.relationConfigMap(ctx)
	if err != nil {
		return false, err
	}

	desired := map[string]string{
		keyServiceHostname: hostname,
		keyServiceName:     s.appName,
		keyServicePort:     strconv.Itoa(s.servicePort),
		keyPathRoutes:      AcmeChallengeRoute,
	}

	updated := false
	for k, v := range desired {
		if cm.Data[k] != v {
			updated = true
		}
	}

	if updated {
		utils.DebugLog("更新ingress关系 %s 的数据, service-hostname: %s", cm.Name, hostname)
		cm = cm.DeepCopy()
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		for k, v := range desired {
			cm.Data[k] = v
		}
		if _, err := s.clientset.CoreV1().ConfigMaps(s.namespace).Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
			return false, fmt.Errorf("更新ingress关系失败: %w", err)
		}
	}

	if err := s.setupCheckFile(); err != nil {
		return updated, err
	}
	return updated, nil
}

// setupCheckFile 在挑战目录下放一个测试文件，用来在签发前确认路由已经生效
func (s *IngressService) setupCheckFile() error {
	dir := filepath.Join(s.webroot, AcmeChallengeRoute[1:])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建挑战目录失败: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, checkFileName), []byte(checkFileContent), 0644); err != nil {
		return fmt.Errorf("写入测试文件失败: %w", err)
	}
	return nil
}

// ResolveHostname 检查域名是否可以解析
func (s *IngressService) ResolveHostname(ctx context.Context, hostname string) bool {
	addrs, err := s.resolver.LookupHost(ctx, hostname)
	if err != nil {
		utils.DebugLog("无法解析域名 %s: %v", hostname, err)
		return false
	}
	return len(addrs) > 0
}

// CheckRoute 通过 ingress 路由访问测试文件
func (s *IngressService) CheckRoute(ctx context.Context, hostname string) bool {
	url := fmt.Sprintf("http://%s%s/%s", hostname, AcmeChallengeRoute, checkFileName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		utils.ErrorLog("构造请求 %s 失败: %v", url, err)
		return false
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		utils.DebugLog("访问 %s 失败: %v", url, err)
		return false
	}
	defer resp.Body.Close()

	utils.DebugLog("访问 %s 返回状态码 %d", url, resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}
