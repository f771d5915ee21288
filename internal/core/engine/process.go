package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process 是一个已启动的引擎进程。
type Process interface {
	Pid() int
	// Output 是合并后的 stdout/stderr，进程及其子进程全部退出后返回 EOF。
	Output() io.ReadCloser
	Wait() error
	// Terminate 请求进程组优雅退出
	Terminate() error
	// Kill 强制结束整个进程组
	Kill() error
}

// Launcher 按配置文件启动一个引擎进程。
type Launcher interface {
	Launch(ctx context.Context, configPath string) (Process, error)
}

// ExecLauncher 通过 `<binary> -config <path>` 启动 glider。
type ExecLauncher struct {
	Binary string
}

// NewExecLauncher 创建默认启动器
func NewExecLauncher(binary string) *ExecLauncher {
	return &ExecLauncher{Binary: binary}
}

func (l *ExecLauncher) Launch(_ context.Context, configPath string) (Process, error) {
	bin, err := exec.LookPath(l.Binary)
	if err != nil {
		return nil, fmt.Errorf("engine binary %q not found: %w", l.Binary, err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}

	// 不使用 exec.CommandContext: 进程生命周期由 Supervisor 控制，
	// 需要先 SIGTERM 整个进程组再视情况 SIGKILL。
	cmd := exec.Command(bin, "-config", configPath)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// 父进程持有的写端必须关闭，否则读端永远等不到 EOF
	pw.Close()

	return &execProcess{cmd: cmd, out: pr}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	out *os.File
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Output() io.ReadCloser {
	return p.out
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Terminate() error {
	return terminateGroup(p.cmd.Process)
}

func (p *execProcess) Kill() error {
	return killGroup(p.cmd.Process)
}
