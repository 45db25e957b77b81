package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client/config"

	"me.sttot/certbot-k8s/src/services"
	"me.sttot/certbot-k8s/src/utils"
)

// settings 进程级配置，默认值来自环境变量，可被命令行参数覆盖
type settings struct {
	appName          string
	namespace        string
	configSecretName string
	configMapKey     string
	webroot          string
	liveDir          string
}

var global settings

var rootCmd = &cobra.Command{
	Use:          "certbot-k8s",
	Short:        "Request CA-signed certificates with certbot and publish them as Kubernetes TLS Secrets",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.InitLogger()
	},
}

// Execute 执行根命令，由 main.main 调用
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	appName := utils.GetEnvOrDefault("APP_NAME", "certbot-k8s")

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&global.appName, "app-name", appName, "Application name, used for the ingress relation and the state Secret")
	flags.StringVar(&global.namespace, "namespace", utils.GetEnvOrDefault("POD_NAMESPACE", "default"), "Namespace to operate in")
	flags.StringVar(&global.configSecretName, "config-secret", utils.GetEnvOrDefault("CONFIG_SECRET_NAME", appName+"-config"), "Secret holding the YAML configuration")
	flags.StringVar(&global.configMapKey, "config-key", utils.GetEnvOrDefault("CONFIG_MAP_KEY", "config.yaml"), "Key of the YAML document inside the configuration Secret")
	flags.StringVar(&global.webroot, "webroot", utils.GetEnvOrDefault("WEBROOT", services.DefaultWebroot), "Directory served by nginx and used by certbot --webroot")
	flags.StringVar(&global.liveDir, "live-dir", utils.GetEnvOrDefault("LETSENCRYPT_LIVE_DIR", services.DefaultLiveDir), "Directory where certbot stores issued certificates")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(actionCmd)
}

// environment 各命令共用的客户端与服务
type environment struct {
	clientset          kubernetes.Interface
	configService      *services.ConfigService
	certificateService *services.CertificateService
	ingressService     *services.IngressService
	certbotService     *services.CertbotService
}

func newEnvironment(s settings) (*environment, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("无法获取 Kubernetes 配置: %w", err)
	}
	utils.DebugLog("成功获取Kubernetes配置")

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("无法创建 Kubernetes 客户端: %w", err)
	}
	utils.DebugLog("成功创建Kubernetes客户端")

	return &environment{
		clientset:          clientset,
		configService:      services.NewConfigService(clientset, s.namespace, s.configSecretName, s.configMapKey),
		certificateService: services.NewCertificateService(clientset, s.namespace, s.appName+"-state"),
		ingressService:     services.NewIngressService(clientset, s.namespace, s.appName, s.webroot),
		certbotService:     services.NewCertbotService(&services.ExecRunner{}, s.webroot, s.liveDir),
	}, nil
}
