//go:build windows

package workenv

import "os"

// IsProcessRunning checks if a process with given PID is still running.
// FindProcess opens a handle on Windows and fails for unknown PIDs.
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	process.Release()
	return true
}
