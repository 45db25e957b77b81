package controllers

import (
	"context"
	"fmt"

	"me.sttot/certbot-k8s/src/services"
	"me.sttot/certbot-k8s/src/utils"
)

// ActionController 只读的查询 action
type ActionController struct {
	configService      *services.ConfigService
	certificateService *services.CertificateService
}

func NewActionController(configService *services.ConfigService, certificateService *services.CertificateService) *ActionController {
	return &ActionController{
		configService:      configService,
		certificateService: certificateService,
	}
}

// GetSecretName 返回保存证书的Secret名称，尚未签发成功时返回 ErrNotReady
func (ac *ActionController) GetSecretName(ctx context.Context) (string, error) {
	ref, err := ac.certificateService.Reference(ctx)
	if err != nil {
		return "", err
	}

	// 配置中的域名已变更但还没有完成新的签发，旧证书不再有效
	cfg, err := ac.configService.Load(ctx)
	if err != nil {
		return "", err
	}
	ac.configService.Set(cfg)
	cfg = ac.configService.Get()
	if cfg.ServiceHostname != ref.Hostname {
		utils.DebugLog("域名已从 %s 变更为 %s", ref.Hostname, cfg.ServiceHostname)
		return "", fmt.Errorf("%w: hostname changed to '%s'", services.ErrNotReady, cfg.ServiceHostname)
	}

	exists, err := ac.certificateService.SecretExists(ctx, ref.Name)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: secret '%s' does not exist", services.ErrNotReady, ref.Name)
	}
	return ref.Name, nil
}
