//go:build windows

package runner

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Console programs cannot be sent a catchable terminate signal from here; callers
// go straight to the tree kill.
func interrupt(int) error { return errGracefulUnsupported }

func killGroup(int) {}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	return ps.ExitCode()
}
