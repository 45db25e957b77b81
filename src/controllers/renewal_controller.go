package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"me.sttot/certbot-k8s/src/metrics"
	"me.sttot/certbot-k8s/src/models"
	"me.sttot/certbot-k8s/src/services"
	"me.sttot/certbot-k8s/src/utils"
)

const (
	defaultRouteCheckAttempts = 60
	defaultRouteCheckInterval = time.Second
)

// RenewalController 运维人员显式触发的重新签发，对应 renew-certificate action
type RenewalController struct {
	configService      *services.ConfigService
	certificateService *services.CertificateService
	ingress            services.ChallengeExposer
	invoker            services.Invoker
	metrics            *metrics.Recorder

	routeCheckAttempts int
	routeCheckInterval time.Duration
}

func NewRenewalController(
	configService *services.ConfigService,
	certificateService *services.CertificateService,
	ingress services.ChallengeExposer,
	invoker services.Invoker,
	recorder *metrics.Recorder,
) *RenewalController {
	utils.DebugLog("创建续签控制器")
	return &RenewalController{
		configService:      configService,
		certificateService: certificateService,
		ingress:            ingress,
		invoker:            invoker,
		metrics:            recorder,
		routeCheckAttempts: defaultRouteCheckAttempts,
		routeCheckInterval: defaultRouteCheckInterval,
	}
}

// RenewCertificate 为当前配置的域名重新签发证书并替换Secret
func (rc *RenewalController) RenewCertificate(ctx context.Context) (string, error) {
	cfg, err := rc.configService.Load(ctx)
	if err != nil {
		return "", err
	}
	rc.configService.Set(cfg)
	cfg = rc.configService.Get()

	hostname := cfg.ServiceHostname
	if hostname == "" {
		return "", fmt.Errorf("%w: service-hostname is not set.", services.ErrInvalidConfiguration)
	}
	if err := services.ValidateConfig(cfg); err != nil {
		return "", err
	}

	if !rc.ingress.ResolveHostname(ctx, hostname) {
		return "", fmt.Errorf("Cannot resolve hostname: '%s'", hostname)
	}

	if _, err := rc.ingress.EnsureRoute(ctx, hostname); err != nil {
		return "", err
	}
	if err := rc.waitForRoute(ctx, hostname); err != nil {
		return "", err
	}

	// 路由检查期间关系可能已被移除
	if _, err := rc.ingress.Relation(ctx); err != nil {
		return "", err
	}

	utils.InfoLog("开始为 %s 续签证书", hostname)
	err = rc.updateState(ctx, func(state *models.StateContext) {
		if cfg != state.Config {
			state.Reconfigure(cfg)
		}
		state.Phase = models.PhaseIssuing
		state.Status = models.MaintenanceStatus(fmt.Sprintf("Renewing the certificate for %s.", hostname))
	})
	if err != nil {
		return "", err
	}

	ref, err := issueAndPublish(ctx, rc.invoker, rc.certificateService, rc.metrics, cfg, models.SecretNameForHostname(hostname))
	if err != nil {
		saveErr := rc.updateState(ctx, func(state *models.StateContext) {
			state.Phase = models.PhaseFailed
			state.Status = models.BlockedStatus(fmt.Sprintf("Certificate issuance failed: %v", err))
		})
		if saveErr != nil {
			utils.ErrorLog("保存状态失败: %v", saveErr)
		}
		return "", err
	}

	err = rc.updateState(ctx, func(state *models.StateContext) {
		state.Credential = ref
		state.Phase = models.PhaseReady
		state.Status = models.ActiveStatus()
	})
	if err != nil {
		return "", err
	}

	utils.InfoLog("成功续签证书 %s", ref.Name)
	return fmt.Sprintf("Certificate renewed for %s", hostname), nil
}

// updateState 读取最新状态并修改后保存，与调和循环的写入冲突时重试
func (rc *RenewalController) updateState(ctx context.Context, mutate func(*models.StateContext)) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		state, err := rc.certificateService.LoadState(ctx)
		if err != nil {
			return err
		}
		mutate(state)
		return rc.certificateService.SaveState(ctx, state)
	})
}

// waitForRoute 等待 ingress 路由生效，最多尝试 routeCheckAttempts 次
func (rc *RenewalController) waitForRoute(ctx context.Context, hostname string) error {
	backoff := wait.Backoff{
		Duration: rc.routeCheckInterval,
		Factor:   1.0,
		Steps:    rc.routeCheckAttempts,
	}

	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		if rc.ingress.CheckRoute(ctx, hostname) {
			return true, nil
		}
		utils.DebugLog("第 %d 次检查挑战路由失败", attempt)
		return false, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.New("Cannot reach test file using Ingress Route.")
	}
	return nil
}
