package worker

import "syscall"

// sysProcAttr returns process attributes that put the worker in its own
// process group so stop signals reach its whole tree. Pdeathsig is a
// Linux-only safety net: if camgate dies unexpectedly, the kernel sends
// SIGTERM to the direct child.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
