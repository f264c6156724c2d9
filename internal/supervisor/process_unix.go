//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcessGroup places the child in its own process group so that
// stop signals reach any grand-children it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processAlive checks liveness with signal 0.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// signalGroup sends sig to the child's process group. Falls back to the
// single process if the group signal fails.
func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		return unix.Kill(pid, sig)
	}
	return nil
}

// terminateGroup asks the process group to exit gracefully.
func terminateGroup(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// killGroup kills the process group unconditionally.
func killGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}
