//go:build !windows

package eventrunner

import "syscall"

type execSysProcAttr = syscall.SysProcAttr

// newSetpgidAttr puts the child in its own process group so Cancel can
// signal the whole subtree with one Kill(-pgid) call.
func newSetpgidAttr() *execSysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
