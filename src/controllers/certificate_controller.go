package controllers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"

	"me.sttot/certbot-k8s/src/metrics"
	"me.sttot/certbot-k8s/src/models"
	"me.sttot/certbot-k8s/src/services"
	"me.sttot/certbot-k8s/src/utils"
)

const reconcileKey = "reconcile"

// WebServer 容器内的 nginx
type WebServer interface {
	Start(ctx context.Context) error
	Ready() bool
}

// Options 控制器的运行参数
type Options struct {
	Namespace     string
	AppName       string
	CheckInterval time.Duration
}

// CertificateController 唯一写入配置与证书状态的调和循环
type CertificateController struct {
	clientset          kubernetes.Interface
	opts               Options
	configService      *services.ConfigService
	certificateService *services.CertificateService
	ingress            services.ChallengeExposer
	invoker            services.Invoker
	webServer          WebServer
	metrics            *metrics.Recorder
	queue              workqueue.RateLimitingInterface
	stopCh             chan struct{}
	stopOnce           sync.Once
}

func NewCertificateController(
	clientset kubernetes.Interface,
	opts Options,
	configService *services.ConfigService,
	certificateService *services.CertificateService,
	ingress services.ChallengeExposer,
	invoker services.Invoker,
	webServer WebServer,
	recorder *metrics.Recorder,
) *CertificateController {
	return &CertificateController{
		clientset:          clientset,
		opts:               opts,
		configService:      configService,
		certificateService: certificateService,
		ingress:            ingress,
		invoker:            invoker,
		webServer:          webServer,
		metrics:            recorder,
		queue:              workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), "certbot-k8s"),
		stopCh:             make(chan struct{}),
	}
}

// Start 启动nginx、事件监听和调和循环
func (c *CertificateController) Start(ctx context.Context) error {
	utils.InfoLog("启动证书控制器")
	utils.DebugLog("调和周期为 %s", c.opts.CheckInterval)

	if err := c.webServer.Start(ctx); err != nil {
		utils.ErrorLog("启动nginx失败: %v", err)
	}

	if err := c.startInformers(); err != nil {
		return fmt.Errorf("启动监听失败: %w", err)
	}

	go c.runWorker(ctx)

	go func() {
		ticker := time.NewTicker(c.opts.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				utils.DebugLog("执行定期调和")
				c.queue.Add(reconcileKey)
			case <-ctx.Done():
				c.Stop()
				return
			case <-c.stopCh:
				utils.DebugLog("定期调和任务已停止")
				return
			}
		}
	}()

	c.queue.Add(reconcileKey)
	return nil
}

// Stop 停止证书控制器
func (c *CertificateController) Stop() {
	c.stopOnce.Do(func() {
		utils.InfoLog("停止证书控制器")
		close(c.stopCh)
		c.queue.ShutDown()
	})
}

// startInformers 监听配置Secret和ingress关系ConfigMap，变化时触发调和
func (c *CertificateController) startInformers() error {
	enqueue := cache.ResourceEventHandlerFuncs{
		AddFunc:    func(interface{}) { c.queue.Add(reconcileKey) },
		UpdateFunc: func(interface{}, interface{}) { c.queue.Add(reconcileKey) },
		DeleteFunc: func(interface{}) { c.queue.Add(reconcileKey) },
	}

	configFactory := informers.NewSharedInformerFactoryWithOptions(c.clientset, c.opts.CheckInterval,
		informers.WithNamespace(c.opts.Namespace),
		informers.WithTweakListOptions(func(o *metav1.ListOptions) {
			o.FieldSelector = fields.OneTermEqualSelector("metadata.name", c.configService.SecretName()).String()
		}),
	)
	if _, err := configFactory.Core().V1().Secrets().Informer().AddEventHandler(enqueue); err != nil {
		return err
	}

	relationFactory := informers.NewSharedInformerFactoryWithOptions(c.clientset, c.opts.CheckInterval,
		informers.WithNamespace(c.opts.Namespace),
		informers.WithTweakListOptions(func(o *metav1.ListOptions) {
			o.LabelSelector = labels.SelectorFromSet(labels.Set{
				services.RelationLabel: "ingress",
				services.RequirerLabel: c.opts.AppName,
			}).String()
		}),
	)
	if _, err := relationFactory.Core().V1().ConfigMaps().Informer().AddEventHandler(enqueue); err != nil {
		return err
	}

	configFactory.Start(c.stopCh)
	relationFactory.Start(c.stopCh)
	configFactory.WaitForCacheSync(c.stopCh)
	relationFactory.WaitForCacheSync(c.stopCh)
	return nil
}

func (c *CertificateController) runWorker(ctx context.Context) {
	for c.processNextItem(ctx) {
	}
}

// processNextItem 每次只处理一个调和请求，因此所有写操作是串行的
func (c *CertificateController) processNextItem(ctx context.Context) bool {
	key, quit := c.queue.Get()
	if quit {
		return false
	}
	defer c.queue.Done(key)

	requeue, err := c.Reconcile(ctx)
	if err != nil {
		utils.ErrorLog("调和失败: %v", err)
	}
	if requeue {
		c.queue.AddRateLimited(key)
	} else {
		c.queue.Forget(key)
	}
	return true
}

// Reconcile 读取最新配置并推进证书状态，返回是否需要稍后再次调和
func (c *CertificateController) Reconcile(ctx context.Context) (bool, error) {
	state, err := c.certificateService.LoadState(ctx)
	if err != nil {
		return c.handleAPIError(err, &models.StateContext{Phase: models.PhaseUnconfigured})
	}

	cfg, err := c.configService.Load(ctx)
	if errors.Is(err, services.ErrInvalidConfiguration) {
		// 无法解析时保留上一次的配置和证书引用，只更新状态
		utils.ErrorLog("配置无法解析: %v", err)
		state.Status = models.BlockedStatus(fmt.Sprintf(
			"Cannot parse the configuration in Secret '%s': %v", c.configService.SecretName(), err))
		return c.saveState(ctx, state, false, nil)
	}
	if err != nil {
		return c.handleAPIError(err, state)
	}
	c.configService.Set(cfg)
	cfg = c.configService.Get()

	if cfg != state.Config {
		utils.InfoLog("配置已变更, 域名: '%s'", cfg.ServiceHostname)
		state.Reconfigure(cfg)
	}

	requeue, rerr := c.reconcile(ctx, state, cfg)
	if rerr != nil {
		requeue, rerr = c.handleAPIError(rerr, state)
	}
	return c.saveState(ctx, state, requeue, rerr)
}

// saveState 保存调和结果；状态Secret同时被 action 修改过时稍后重新调和
func (c *CertificateController) saveState(ctx context.Context, state *models.StateContext, requeue bool, rerr error) (bool, error) {
	if c.metrics != nil {
		c.metrics.SetPhase(state.Phase)
	}
	utils.DebugLog("阶段: %s, 状态: %s", state.Phase, state.Status)

	if err := c.certificateService.SaveState(ctx, state); err != nil {
		if apierrors.IsConflict(err) {
			return true, errors.Join(rerr, err)
		}
		if apierrors.IsForbidden(err) {
			utils.ErrorLog("没有权限保存状态Secret: %v", err)
		}
		return requeue, errors.Join(rerr, err)
	}
	return requeue, rerr
}

// handleAPIError 把 Kubernetes 403 转换为阻塞状态，其它错误稍后重试
func (c *CertificateController) handleAPIError(err error, state *models.StateContext) (bool, error) {
	if apierrors.IsForbidden(err) {
		utils.ErrorLog("没有权限读取或创建Kubernetes Secret: %v", err)
		state.Status = models.BlockedStatus(fmt.Sprintf(
			"Insufficient permissions, grant the %s service account access to Secrets", c.opts.AppName))
		return false, nil
	}
	if status, ok := relationStatus(err); ok {
		state.Status = status
		return false, err
	}
	state.Status = models.BlockedStatus(err.Error())
	return state.Phase != models.PhaseFailed, err
}

func relationStatus(err error) (models.UnitStatus, bool) {
	switch {
	case errors.Is(err, services.ErrRelationUnavailable):
		return models.BlockedStatus("Needs an ingress relation."), true
	case errors.Is(err, services.ErrTooManyRelations):
		return models.BlockedStatus("Too many ingress relations."), true
	default:
		return models.UnitStatus{}, false
	}
}

func (c *CertificateController) reconcile(ctx context.Context, state *models.StateContext, cfg models.Config) (bool, error) {
	cfgErr := services.ValidateConfig(cfg)
	if cfgErr != nil {
		state.Phase = models.PhaseUnconfigured
	} else if state.Phase == models.PhaseUnconfigured {
		state.Phase = models.PhaseConfiguring
	}

	if !c.refreshStatus(ctx, state, cfg) {
		if cfgErr != nil {
			utils.WarningLog("配置无效，不会签发证书: %v", cfgErr)
		}
		return false, nil
	}
	return c.ensureCertificate(ctx, state, cfg)
}

// refreshStatus 依次检查nginx、ingress关系和配置，任一不满足时设置相应状态并返回 false
func (c *CertificateController) refreshStatus(ctx context.Context, state *models.StateContext, cfg models.Config) bool {
	if !c.webServer.Ready() {
		if err := c.webServer.Start(ctx); err != nil {
			utils.ErrorLog("启动nginx失败: %v", err)
		}
		state.Status = models.WaitingStatus("Waiting for the web server to be ready.")
		return false
	}

	if _, err := c.ingress.Relation(ctx); err != nil {
		status, ok := relationStatus(err)
		if !ok {
			utils.ErrorLog("检查ingress关系失败: %v", err)
			status = models.BlockedStatus(err.Error())
		}
		state.Status = status
		return false
	}

	if cfg.Email == "" {
		state.Status = models.BlockedStatus("Please configure an email.")
		return false
	}
	if err := services.ValidateEmail(cfg.Email); err != nil {
		state.Status = models.BlockedStatus(fmt.Sprintf("Invalid email: '%s'", cfg.Email))
		return false
	}

	if !cfg.AgreeTOS {
		state.Status = models.BlockedStatus(fmt.Sprintf(
			"Let's Encrypt requires an agreement to their Terms of Service. "+
				"Set agree-tos=true in the %s configuration", c.opts.AppName))
		return false
	}

	if cfg.ServiceHostname == "" {
		state.Status = models.BlockedStatus("Please configure a service-hostname.")
		return false
	}

	state.Status = models.ActiveStatus()
	return true
}

// ensureCertificate 为配置的域名准备路由、签发并发布证书
func (c *CertificateController) ensureCertificate(ctx context.Context, state *models.StateContext, cfg models.Config) (bool, error) {
	hostname := cfg.ServiceHostname
	secretName := models.SecretNameForHostname(hostname)

	// Secret 已存在时直接采用，不需要再次签发
	exists, err := c.certificateService.SecretExists(ctx, secretName)
	if err != nil {
		return false, err
	}
	if exists {
		if state.Credential == nil || state.Credential.Name != secretName || !state.Credential.Ready {
			utils.InfoLog("Secret '%s' 已存在，跳过签发", secretName)
			state.Credential = &models.CredentialReference{
				Name:     secretName,
				Hostname: hostname,
				Ready:    true,
			}
		}
		state.Phase = models.PhaseReady
		state.Status = models.ActiveStatus()
		c.reportExpiry(ctx, state)
		return false, nil
	}

	// 签发失败后不自动重试，需要运维人员修改配置或执行 renew-certificate
	if state.Phase == models.PhaseFailed {
		utils.DebugLog("上次签发失败，等待重新配置")
		if state.Status.Kind != models.StatusBlocked {
			state.Status = models.BlockedStatus("Certificate issuance failed, reconfigure to retry.")
		}
		return false, nil
	}

	if state.Phase == models.PhaseReady {
		utils.WarningLog("Secret '%s' 已被删除，需要重新签发", secretName)
		state.Reconfigure(cfg)
	}

	updated, err := c.ingress.EnsureRoute(ctx, hostname)
	if err != nil {
		return false, err
	}
	if updated {
		utils.DebugLog("已为HTTP挑战设置Ingress路由的域名 '%s'", hostname)
		state.Status = models.WaitingStatus(fmt.Sprintf("Setting up an Ingress Route for %s's HTTP Challenge.", hostname))
		return true, nil
	}

	if !c.ingress.ResolveHostname(ctx, hostname) {
		state.Status = models.BlockedStatus(fmt.Sprintf("Cannot resolve hostname: '%s'", hostname))
		return false, nil
	}

	if !c.ingress.CheckRoute(ctx, hostname) {
		utils.WarningLog("无法通过ACME挑战路由访问测试文件")
		state.Status = models.WaitingStatus("Cannot reach test file using Ingress Route. Retrying.")
		return true, nil
	}

	if err := c.issue(ctx, state, cfg, secretName); err != nil {
		return false, err
	}
	return false, nil
}

// issue 调用 certbot 并发布 Secret，失败时进入 Failed 阶段
func (c *CertificateController) issue(ctx context.Context, state *models.StateContext, cfg models.Config, secretName string) error {
	// 签发前最后确认一次关系仍然存在
	if _, err := c.ingress.Relation(ctx); err != nil {
		return err
	}
	if err := services.ValidateConfig(cfg); err != nil {
		return err
	}

	state.Phase = models.PhaseIssuing
	state.Status = models.MaintenanceStatus(fmt.Sprintf("Requesting a certificate for %s.", cfg.ServiceHostname))
	if err := c.certificateService.SaveState(ctx, state); err != nil {
		utils.WarningLog("保存Issuing状态失败: %v", err)
	}

	ref, err := issueAndPublish(ctx, c.invoker, c.certificateService, c.metrics, cfg, secretName)
	if err != nil {
		state.Phase = models.PhaseFailed
		state.Status = models.BlockedStatus(fmt.Sprintf("Certificate issuance failed: %v", err))
		if apierrors.IsForbidden(err) {
			return err
		}
		utils.ErrorLog("为 %s 签发证书失败: %v", cfg.ServiceHostname, err)
		return nil
	}

	state.Credential = ref
	state.Phase = models.PhaseReady
	state.Status = models.ActiveStatus()
	return nil
}

// reportExpiry 记录证书有效期，即将过期时在状态中提示，但不会自动续签
func (c *CertificateController) reportExpiry(ctx context.Context, state *models.StateContext) {
	if state.Config.DryRun || state.Credential == nil {
		return
	}

	data, err := c.certificateService.CertificateData(ctx, state.Credential.Name)
	if err != nil || len(data) == 0 {
		utils.DebugLog("无法读取Secret '%s' 中的证书: %v", state.Credential.Name, err)
		return
	}

	needsRenewal, expiry, err := c.certificateService.CheckCertificateExpiry(data)
	if err != nil {
		utils.DebugLog("无法解析Secret '%s' 中的证书: %v", state.Credential.Name, err)
		return
	}

	state.Credential.ExpiresAt = expiry.Format(time.RFC3339)
	if c.metrics != nil {
		c.metrics.SetCertificateExpiry(state.Credential.Hostname, state.Credential.Name, expiry)
	}
	if needsRenewal {
		utils.WarningLog("证书 %s 将在 %s 过期", state.Credential.Name, expiry.Format("2006-01-02"))
		state.Status = models.UnitStatus{
			Kind:    models.StatusActive,
			Message: fmt.Sprintf("Certificate expires on %s, run renew-certificate.", expiry.Format("2006-01-02")),
		}
	}
}

// issueAndPublish 执行签发并把结果写入 TLS Secret，调和循环和续签 action 共用
func issueAndPublish(
	ctx context.Context,
	invoker services.Invoker,
	certificateService *services.CertificateService,
	recorder *metrics.Recorder,
	cfg models.Config,
	secretName string,
) (*models.CredentialReference, error) {
	start := time.Now()
	cert, err := invoker.Invoke(ctx, cfg.ServiceHostname, cfg.Email, cfg.DryRun)
	if recorder != nil {
		recorder.ObserveIssuance(issuanceResult(err), time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	if err := certificateService.Publish(ctx, secretName, cert); err != nil {
		return nil, err
	}

	ref := &models.CredentialReference{
		Name:     secretName,
		Hostname: cfg.ServiceHostname,
		Ready:    true,
		IssuedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if !cfg.DryRun {
		if _, expiry, err := certificateService.CheckCertificateExpiry(cert.CertData); err == nil {
			ref.ExpiresAt = expiry.Format(time.RFC3339)
			if recorder != nil {
				recorder.SetCertificateExpiry(cfg.ServiceHostname, secretName, expiry)
			}
		}
	}
	return ref, nil
}

func issuanceResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, services.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, services.ErrChallengeFailed):
		return "challenge_failed"
	case errors.Is(err, services.ErrToolUnavailable):
		return "tool_unavailable"
	case errors.Is(err, services.ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
