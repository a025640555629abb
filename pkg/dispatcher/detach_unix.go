//go:build unix

package dispatcher

import "syscall"

// detachAttr starts the worker in its own process group so it survives the
// dispatcher's own exit (fire-and-forget).
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
