//go:build linux

package engine

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// 父进程意外退出时内核会给引擎发送 SIGTERM，避免留下孤儿进程占用端口。
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGTERM,
	}
}
