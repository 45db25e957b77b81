package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"me.sttot/certbot-k8s/src/utils"
)

// CommandRunner 执行外部命令，测试中可以替换为假实现
type CommandRunner interface {
	// Run 阻塞执行命令直到结束，返回合并后的标准输出和标准错误
	Run(ctx context.Context, name string, args ...string) (string, error)
	// Start 在后台启动长期运行的命令
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// Process 后台运行的进程
type Process interface {
	Wait() error
}

// ExitError 命令已执行但以非零状态退出
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExecRunner 基于 os/exec 的实现，实时把输出写入日志
type ExecRunner struct {
	Env []string
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(line)
	b.buf.WriteString("\n")
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type execProcess struct {
	cmd    *exec.Cmd
	wg     *sync.WaitGroup
	output *lockedBuffer
}

func (p *execProcess) Wait() error {
	// 先读完所有输出再 Wait，否则管道会被提前关闭
	p.wg.Wait()
	err := p.cmd.Wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Output: p.output.String()}
	}
	return err
}

func (r *ExecRunner) start(ctx context.Context, name string, args ...string) (*execProcess, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	utils.DebugLog("执行命令: %s %v", name, args)

	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
		utils.DebugLog("设置了 %d 个环境变量", len(r.Env))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("创建输出管道失败: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("创建错误输出管道失败: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("启动命令 %s 失败: %w", name, err)
	}

	p := &execProcess{cmd: cmd, wg: &sync.WaitGroup{}, output: &lockedBuffer{}}
	p.wg.Add(2)
	go p.stream(stdout, name+"输出")
	go p.stream(stderr, name+"错误")
	return p, nil
}

func (p *execProcess) stream(r io.Reader, prefix string) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.output.WriteLine(line)
		utils.InfoLog("%s: %s", prefix, line)
	}
}

// Run 执行命令并等待结束
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	p, err := r.start(ctx, name, args...)
	if err != nil {
		return "", err
	}
	err = p.Wait()
	return p.output.String(), err
}

// Start 启动命令但不等待
func (r *ExecRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	p, err := r.start(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	return p, nil
}
