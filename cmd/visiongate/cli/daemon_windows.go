//go:build windows

package cli

import (
	"os"
	"os/exec"
	"syscall"
)

// setSysProcAttr is a no-op on Windows. For production deployments, use a
// Windows service wrapper such as NSSM and run serve in the foreground.
func setSysProcAttr(cmd *exec.Cmd) {}

const (
	processQueryLimitedInformation = 0x1000
	stillActive                    = 259
)

// isProcessRunning opens the process and checks its exit code.
func isProcessRunning(pid int) bool {
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)

	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// stopProcess kills the process on Windows (no graceful SIGTERM support).
func stopProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
