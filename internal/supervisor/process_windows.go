//go:build windows

package supervisor

import (
	"os/exec"
	"strings"
)

func configureCommand(*exec.Cmd) {}

// terminate kills outright: Windows has no catchable termination signal
// for console-less children.
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func signalName(*exec.ExitError) string {
	return ""
}

// envKey folds case; Windows environment names are case-insensitive.
func envKey(key string) string {
	return strings.ToUpper(key)
}
