package services

import (
	"context"
	"sync"

	"me.sttot/certbot-k8s/src/utils"
)

const webServerEntrypoint = "/docker-entrypoint.sh"

var webServerArgs = []string{"nginx", "-g", "daemon off;"}

// WebServerService 在容器内启动并监视 nginx，certbot 的 webroot 由它对外提供
type WebServerService struct {
	runner  CommandRunner
	managed bool

	mu      sync.Mutex
	running bool
	lastErr error
}

// NewWebServerService 由本进程管理 nginx
func NewWebServerService(runner CommandRunner) *WebServerService {
	return &WebServerService{runner: runner, managed: true}
}

// NewExternalWebServer nginx 由容器自身启动，视为一直可用
func NewExternalWebServer() *WebServerService {
	return &WebServerService{managed: false}
}

// Start 启动 nginx，已经在运行时直接返回
func (w *WebServerService) Start(ctx context.Context) error {
	if !w.managed {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	utils.InfoLog("启动nginx")
	p, err := w.runner.Start(ctx, webServerEntrypoint, webServerArgs...)
	if err != nil {
		w.lastErr = err
		return err
	}
	w.running = true
	w.lastErr = nil

	go func() {
		err := p.Wait()
		w.mu.Lock()
		defer w.mu.Unlock()
		w.running = false
		w.lastErr = err
		if err != nil {
			utils.ErrorLog("nginx 已退出: %v", err)
		} else {
			utils.WarningLog("nginx 已退出")
		}
	}()
	return nil
}

// Ready nginx 是否正在运行
func (w *WebServerService) Ready() bool {
	if !w.managed {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// LastError nginx 最近一次启动或退出的错误
func (w *WebServerService) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}
