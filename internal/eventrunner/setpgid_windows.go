//go:build windows

package eventrunner

import "syscall"

type execSysProcAttr = syscall.SysProcAttr

// newSetpgidAttr is a no-op on windows, which has no equivalent
// process-group signal semantics; reportd is a Linux system-bus service
// in practice, but the build stays portable.
func newSetpgidAttr() *execSysProcAttr {
	return &syscall.SysProcAttr{}
}
