//go:build !windows

package engine

import (
	"os"

	"golang.org/x/sys/unix"
)

// 引擎以独立进程组启动，信号发给 -pgid 以覆盖它派生的子进程。
func terminateGroup(p *os.Process) error {
	if err := unix.Kill(-p.Pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return p.Signal(unix.SIGTERM)
	}
	return nil
}

func killGroup(p *os.Process) error {
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return p.Kill()
	}
	return nil
}
