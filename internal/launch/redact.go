package launch

import "strings"

const redacted = "********"

// sensitiveFlags take a secret as their next argument.
var sensitiveFlags = map[string]bool{
	"--accessToken": true,
	"--session":     true,
	"--uuid":        true,
	"--clientId":    true,
	"--xuid":        true,
}

var sensitiveEnvMarkers = []string{"TOKEN", "SECRET", "PASSWORD", "PASSWD", "CREDENTIAL", "API_KEY", "AUTH"}

// Redacted returns a copy of s that is safe to log.
func (s *Spec) Redacted() *Spec {
	out := &Spec{
		Executable: s.Executable,
		Args:       make([]string, len(s.Args)),
		Dir:        s.Dir,
	}
	for i, a := range s.Args {
		switch {
		case i > 0 && sensitiveFlags[s.Args[i-1]]:
			out.Args[i] = redacted
		case strings.Contains(a, "="):
			flag, _, _ := strings.Cut(a, "=")
			if sensitiveFlags[flag] {
				out.Args[i] = flag + "=" + redacted
			} else {
				out.Args[i] = a
			}
		default:
			out.Args[i] = a
		}
	}

	if s.Env != nil {
		out.Env = make([]string, len(s.Env))
		for i, kv := range s.Env {
			key, _, _ := strings.Cut(kv, "=")
			if isSensitiveKey(key) {
				out.Env[i] = key + "=" + redacted
			} else {
				out.Env[i] = kv
			}
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range sensitiveEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// CommandLine renders the spec as a single shell-quoted line.
func (s *Spec) CommandLine() string {
	return JoinArgs(append([]string{s.Executable}, s.Args...))
}
