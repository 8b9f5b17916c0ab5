package workenv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// TryAcquireLock creates lockPath holding our PID. A lock left by a dead
// process is removed first. It returns false when a live process holds
// the lock.
func TryAcquireLock(lockPath string, logger hclog.Logger) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return false, err
	}

	if _, err := os.Stat(lockPath); err == nil {
		logger.Debug("🔍 Lock file exists, checking if it's stale...", "lock", lockPath)

		if data, err := os.ReadFile(lockPath); err == nil {
			contents := strings.TrimSpace(string(data))
			if oldPid, err := strconv.Atoi(contents); err == nil {
				if !IsProcessRunning(oldPid) {
					logger.Info("🧹 Removing stale lock from dead process", "pid", oldPid)
					os.Remove(lockPath)
				} else {
					logger.Debug("🔒 Lock held by active process", "pid", oldPid)
					return false, nil
				}
			} else {
				logger.Info("🧹 Removing invalid lock file (couldn't parse PID)")
				os.Remove(lockPath)
			}
		} else {
			logger.Info("🧹 Removing unreadable lock file")
			os.Remove(lockPath)
		}
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			logger.Debug("🔒 Lock file exists, another process got there first")
			return false, nil
		}
		return false, err
	}
	defer file.Close()

	if _, err := fmt.Fprintf(file, "%d\n", os.Getpid()); err != nil {
		os.Remove(lockPath)
		return false, err
	}

	logger.Debug("🔒 Acquired lock", "lock", lockPath, "pid", os.Getpid())
	return true, nil
}

// ReleaseLock removes lockPath.
func ReleaseLock(lockPath string, logger hclog.Logger) {
	if err := os.Remove(lockPath); err != nil {
		logger.Debug("⚠️ Failed to remove lock file", "error", err)
	} else {
		logger.Debug("🔓 Released lock", "lock", lockPath)
	}
}

// WaitForRelease polls until lockPath disappears, its holder dies, or ctx
// ends.
func WaitForRelease(ctx context.Context, lockPath string, logger hclog.Logger) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()

	for attempt := 0; ; attempt++ {
		data, err := os.ReadFile(lockPath)
		if os.IsNotExist(err) {
			logger.Debug("✅ Lock released", "lock", lockPath)
			return nil
		}
		if err == nil {
			if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && !IsProcessRunning(pid) {
				return nil
			}
		}

		if attempt%10 == 0 {
			logger.Debug("⏳ Waiting for lock holder to finish...",
				"lock", lockPath, "elapsed", time.Since(start).Round(time.Second))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", lockPath, ctx.Err())
		case <-ticker.C:
		}
	}
}
