//go:build !windows

package procrun

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

// prepareCommand puts the child in its own process group so a timeout kills
// everything it spawned, not only the direct child.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
			if killErr := syscall.Kill(-pgid, syscall.SIGKILL); killErr == nil || killErr == syscall.ESRCH {
				return nil
			}
		}
		if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			return err
		}
		return nil
	}
	cmd.WaitDelay = 2 * time.Second
}
