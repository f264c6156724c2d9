//go:build windows

package supervisor

import (
	"os"
	"os/exec"

	"golang.org/x/sys/windows"
)

// configureProcessGroup is a no-op on Windows; POSIX process groups are not
// available, so stop falls back to a best-effort kill of the direct child.
func configureProcessGroup(cmd *exec.Cmd) {}

// processAlive checks liveness by opening a handle and reading the exit code.
func processAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	// STILL_ACTIVE (259) means the process has not exited yet.
	return exitCode == 259
}

// terminateGroup has no graceful signal on Windows; Kill calls
// TerminateProcess on the direct child. Grand-children may survive.
func terminateGroup(pid int) error {
	return killGroup(pid)
}

// killGroup kills the direct child.
func killGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
