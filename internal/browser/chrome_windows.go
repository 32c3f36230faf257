//go:build windows

package browser

import (
	"os"
	"os/exec"
	"strconv"
)

// setChromeProcessGroup does nothing on Windows; the tree is found by PID.
func setChromeProcessGroup(cmd *exec.Cmd) {}

// killChromeProcessGroup ends Chrome and its child processes with taskkill.
// Without force only the browser process is asked to exit.
func killChromeProcessGroup(cmd *exec.Cmd, force bool) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if !force {
		_ = cmd.Process.Signal(os.Interrupt)
		return
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		_ = cmd.Process.Kill()
	}
}
