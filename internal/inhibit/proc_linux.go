//go:build linux

package inhibit

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// procAttr puts the child in its own process group so the whole
// systemd-inhibit/sh/sleep chain can be signalled at once, and has the kernel
// SIGTERM it if the daemon dies.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// signalGroup sends sig to the process group led by pid. A group that no
// longer exists is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
