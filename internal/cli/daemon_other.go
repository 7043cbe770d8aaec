//go:build !unix

package cli

import "syscall"

func detached() *syscall.SysProcAttr { return nil }

func processAlive(pid int) bool { return pid > 0 }
