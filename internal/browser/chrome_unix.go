//go:build !windows

package browser

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setChromeProcessGroup puts Chrome and its helpers in a process group of
// their own so shutdown can signal all of them at once.
func setChromeProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killChromeProcessGroup signals Chrome's process group: SIGTERM, or
// SIGKILL when force is set. It falls back to the lone process when the
// group cannot be resolved.
func killChromeProcessGroup(cmd *exec.Cmd, force bool) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	pid := cmd.Process.Pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		_ = unix.Kill(-pgid, sig)
		return
	}
	_ = unix.Kill(pid, sig)
}
