package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"me.sttot/certbot-k8s/src/models"
	"me.sttot/certbot-k8s/src/utils"
)

const (
	certbotPath = "certbot"

	// DefaultWebroot nginx 提供静态文件的目录，HTTP 挑战文件由 certbot 写入这里
	DefaultWebroot = "/usr/share/nginx/html"
	// DefaultLiveDir certbot 保存最新证书的目录
	DefaultLiveDir = "/etc/letsencrypt/live"

	dryRunCert = "fake-cert"
	dryRunKey  = "fake-key"
)

// Invoker 调用外部工具签发证书
type Invoker interface {
	Invoke(ctx context.Context, hostname, email string, dryRun bool) (*models.Certificate, error)
}

// CertbotService 通过 certbot 的 webroot 模式签发证书
type CertbotService struct {
	runner  CommandRunner
	webroot string
	liveDir string
}

func NewCertbotService(runner CommandRunner, webroot, liveDir string) *CertbotService {
	utils.DebugLog("创建certbot服务, webroot: %s, live目录: %s", webroot, liveDir)
	return &CertbotService{
		runner:  runner,
		webroot: webroot,
		liveDir: liveDir,
	}
}

// Invoke 阻塞执行 certbot certonly，成功后读取生成的证书和私钥
func (s *CertbotService) Invoke(ctx context.Context, hostname, email string, dryRun bool) (*models.Certificate, error) {
	if hostname == "" || email == "" {
		return nil, fmt.Errorf("%w: hostname and email are required", ErrInvalidConfiguration)
	}

	utils.InfoLog("为域名 %s 签发证书", hostname)
	args := s.buildArgs(hostname, email, dryRun)

	output, err := s.runner.Run(ctx, certbotPath, args...)
	if err != nil {
		// 进程被取消时的退出码与签发结果无关
		if ctxErr := ctx.Err(); ctxErr != nil {
			utils.WarningLog("certbot 被中断: %v", ctxErr)
			return nil, fmt.Errorf("certbot interrupted: %w", ctxErr)
		}
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			utils.ErrorLog("无法执行certbot: %v", err)
			return nil, fmt.Errorf("%w: %v", ErrToolUnavailable, err)
		}
		if output == "" {
			output = exitErr.Output
		}
		kind := classifyCertbotOutput(output)
		utils.ErrorLog("certbot 执行失败 (%v): %v", kind, err)
		return nil, fmt.Errorf("%w: certbot %v", kind, err)
	}
	utils.InfoLog("certbot 命令执行成功")

	if dryRun {
		utils.DebugLog("dry-run 模式，使用占位证书")
		return &models.Certificate{
			Hostname: hostname,
			CertData: []byte(dryRunCert),
			KeyData:  []byte(dryRunKey),
		}, nil
	}

	basePath := filepath.Join(s.liveDir, hostname)
	certData, err := os.ReadFile(filepath.Join(basePath, "fullchain.pem"))
	if err != nil {
		return nil, fmt.Errorf("读取证书文件失败: %w", err)
	}
	utils.DebugLog("成功读取证书文件，大小: %d 字节", len(certData))

	keyData, err := os.ReadFile(filepath.Join(basePath, "privkey.pem"))
	if err != nil {
		return nil, fmt.Errorf("读取密钥文件失败: %w", err)
	}
	utils.DebugLog("成功读取密钥文件，大小: %d 字节", len(keyData))

	return &models.Certificate{
		Hostname: hostname,
		CertData: certData,
		KeyData:  keyData,
	}, nil
}

func (s *CertbotService) buildArgs(hostname, email string, dryRun bool) []string {
	args := []string{
		"certonly",
		"--agree-tos",
		"-n",
		"-m", email,
		"-d", hostname,
		"--webroot",
		"--webroot-path", s.webroot,
	}
	if dryRun {
		args = append(args, "--dry-run")
	}
	return args
}
