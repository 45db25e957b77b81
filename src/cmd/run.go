package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"me.sttot/certbot-k8s/src/controllers"
	"me.sttot/certbot-k8s/src/metrics"
	"me.sttot/certbot-k8s/src/services"
	"me.sttot/certbot-k8s/src/utils"
)

var (
	metricsAddr     string
	manageWebServer bool
	checkInterval   time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-bind-address", ":8080", "Address of the metrics and health endpoints, 0 disables them")
	runCmd.Flags().BoolVar(&manageWebServer, "manage-webserver", true, "Start and supervise nginx from this process")
	runCmd.Flags().DurationVar(&checkInterval, "check-interval", utils.GetDurationEnvOrDefault("CHECK_INTERVAL", 10*time.Minute), "Resync interval of the reconciliation loop")
}

func run(ctx context.Context) error {
	if checkInterval <= 0 {
		return fmt.Errorf("--check-interval must be positive, got %s", checkInterval)
	}
	utils.InfoLog("启动 certbot-k8s 服务...")

	env, err := newEnvironment(global)
	if err != nil {
		return err
	}

	var webServer *services.WebServerService
	if manageWebServer {
		webServer = services.NewWebServerService(&services.ExecRunner{})
	} else {
		webServer = services.NewExternalWebServer()
	}

	recorder := metrics.NewRecorder()
	controller := controllers.NewCertificateController(
		env.clientset,
		controllers.Options{
			Namespace:     global.namespace,
			AppName:       global.appName,
			CheckInterval: checkInterval,
		},
		env.configService,
		env.certificateService,
		env.ingressService,
		env.certbotService,
		webServer,
		recorder,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var server *http.Server
	if metricsAddr != "0" {
		server = &http.Server{
			Addr:              metricsAddr,
			Handler:           newRouter(recorder, webServer),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			utils.InfoLog("指标服务监听 %s", metricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				utils.ErrorLog("指标服务退出: %v", err)
			}
		}()
	}

	utils.DebugLog("正在启动证书控制器...")
	if err := controller.Start(ctx); err != nil {
		return err
	}
	utils.DebugLog("证书控制器已成功启动")

	// 等待信号以优雅退出
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-sigCh:
		utils.InfoLog("收到退出信号，正在停止服务...")
	case <-ctx.Done():
	}

	controller.Stop()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}
	utils.InfoLog("服务已停止")
	return nil
}

// readiness nginx 的运行状态
type readiness interface {
	Ready() bool
	LastError() error
}

// newRouter /metrics、/healthz 与 /readyz
func newRouter(recorder *metrics.Recorder, webServer readiness) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !webServer.Ready() {
			msg := "web server not ready"
			if err := webServer.LastError(); err != nil {
				msg += ": " + err.Error()
			}
			http.Error(w, msg, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}
