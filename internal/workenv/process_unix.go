//go:build !windows

package workenv

import (
	"os"
	"syscall"
)

// IsProcessRunning checks if a process with given PID is still running
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal(0) checks existence without delivering anything
	err = process.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
