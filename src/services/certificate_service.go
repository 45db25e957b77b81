package services

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"me.sttot/certbot-k8s/src/models"
	"me.sttot/certbot-k8s/src/utils"
)

const (
	stateContextKey = "context"

	// RenewalWindow 证书剩余有效期低于该值时提示需要续签
	RenewalWindow = 30 * 24 * time.Hour
)

// CertificateService 负责TLS Secret的发布以及控制器状态的持久化
type CertificateService struct {
	clientset       kubernetes.Interface
	namespace       string
	stateSecretName string
}

func NewCertificateService(clientset kubernetes.Interface, namespace, stateSecretName string) *CertificateService {
	utils.DebugLog("创建证书服务, 状态Secret: %s/%s", namespace, stateSecretName)
	return &CertificateService{
		clientset:       clientset,
		namespace:       namespace,
		stateSecretName: stateSecretName,
	}
}

// LoadState 从Kubernetes Secret加载状态上下文
func (cs *CertificateService) LoadState(ctx context.Context) (*models.StateContext, error) {
	utils.DebugLog("从Secret %s/%s加载状态上下文", cs.namespace, cs.stateSecretName)

	secret, err := cs.clientset.CoreV1().Secrets(cs.namespace).Get(ctx, cs.stateSecretName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		utils.DebugLog("状态Secret不存在，创建新的上下文")
		return &models.StateContext{Phase: models.PhaseUnconfigured}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("获取状态Secret失败: %w", err)
	}

	dataJson, ok := secret.Data[stateContextKey]
	if !ok {
		utils.DebugLog("状态Secret存在但没有context字段，创建新的上下文")
		return &models.StateContext{Phase: models.PhaseUnconfigured}, nil
	}

	var state models.StateContext
	if err := json.Unmarshal(dataJson, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state context: %w", err)
	}
	state.ResourceVersion = secret.ResourceVersion
	return &state, nil
}

// SaveState 保存状态上下文到Kubernetes Secret。状态带有 ResourceVersion 时按版本更新，
// 期间被其它进程修改过则返回 Conflict 错误
func (cs *CertificateService) SaveState(ctx context.Context, state *models.StateContext) error {
	dataJson, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state context: %w", err)
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cs.stateSecretName,
			Namespace: cs.namespace,
		},
		Data: map[string][]byte{
			stateContextKey: dataJson,
		},
	}

	var saved *corev1.Secret
	if state.ResourceVersion == "" {
		saved, err = cs.createOrReplace(ctx, secret)
	} else {
		secret.ResourceVersion = state.ResourceVersion
		saved, err = cs.clientset.CoreV1().Secrets(cs.namespace).Update(ctx, secret, metav1.UpdateOptions{})
	}
	if err != nil {
		if apierrors.IsConflict(err) {
			utils.WarningLog("状态Secret已被其它进程修改: %v", err)
		} else {
			utils.ErrorLog("保存状态上下文失败: %v", err)
		}
		return err
	}
	state.ResourceVersion = saved.ResourceVersion
	utils.DebugLog("状态上下文保存成功, 阶段: %s", state.Phase)
	return nil
}

// SecretExists 检查命名空间中是否存在指定的Secret
func (cs *CertificateService) SecretExists(ctx context.Context, name string) (bool, error) {
	secrets, err := cs.clientset.CoreV1().Secrets(cs.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, err
	}
	for _, s := range secrets.Items {
		if s.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Publish 把证书写入 kubernetes.io/tls 类型的 Secret，已存在时替换
func (cs *CertificateService) Publish(ctx context.Context, name string, cert *models.Certificate) error {
	if cert == nil || len(cert.CertData) == 0 || len(cert.KeyData) == 0 {
		return fmt.Errorf("certificate or key data is empty")
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cs.namespace,
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{
			corev1.TLSCertKey:       cert.CertData,
			corev1.TLSPrivateKeyKey: cert.KeyData,
		},
	}

	if _, err := cs.createOrReplace(ctx, secret); err != nil {
		return fmt.Errorf("update secret %s/%s: %w", cs.namespace, name, err)
	}
	utils.InfoLog("已在命名空间 %s 中发布Secret '%s'", cs.namespace, name)
	return nil
}

func (cs *CertificateService) createOrReplace(ctx context.Context, secret *corev1.Secret) (*corev1.Secret, error) {
	secrets := cs.clientset.CoreV1().Secrets(cs.namespace)

	exists, err := cs.SecretExists(ctx, secret.Name)
	if err != nil {
		return nil, err
	}
	if !exists {
		utils.DebugLog("Secret %s/%s 不存在，创建新的", cs.namespace, secret.Name)
		return secrets.Create(ctx, secret, metav1.CreateOptions{})
	}

	utils.DebugLog("Secret %s/%s 已存在，替换", cs.namespace, secret.Name)
	return secrets.Update(ctx, secret, metav1.UpdateOptions{})
}

// CertificateData 读取已发布Secret中的证书链
func (cs *CertificateService) CertificateData(ctx context.Context, name string) ([]byte, error) {
	secret, err := cs.clientset.CoreV1().Secrets(cs.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return secret.Data[corev1.TLSCertKey], nil
}

// Reference 返回当前的证书引用，尚未签发成功时返回 ErrNotReady
func (cs *CertificateService) Reference(ctx context.Context) (*models.CredentialReference, error) {
	state, err := cs.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	if state.Credential == nil || !state.Credential.Ready || state.Credential.Name == "" {
		return nil, ErrNotReady
	}
	return state.Credential, nil
}

// CheckCertificateExpiry 检查证书是否过期或即将过期
func (cs *CertificateService) CheckCertificateExpiry(certData []byte) (bool, time.Time, error) {
	return checkCertificateExpiry(certData, time.Now())
}

func checkCertificateExpiry(certData []byte, now time.Time) (bool, time.Time, error) {
	block, _ := pem.Decode(certData)
	if block == nil {
		return false, time.Time{}, fmt.Errorf("failed to parse certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("parse certificate: %w", err)
	}

	expiryTime := cert.NotAfter
	utils.DebugLog("证书有效期至 %s（还有%d天）", expiryTime.Format("2006-01-02"), int(expiryTime.Sub(now).Hours()/24))

	return expiryTime.Sub(now) < RenewalWindow, expiryTime, nil
}
