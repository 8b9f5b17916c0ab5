// Package logging builds the hclog loggers shared by every kiln component.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Environment variables that tune logging.
const (
	EnvLogLevel = "KILN_LOG_LEVEL"
	EnvJSONLog  = "KILN_JSON_LOG"
)

// DefaultLevel applies when neither flags, environment nor configuration
// name a level.
const DefaultLevel = "warn"

// linePrefix marks kiln's own lines when its output is interleaved with the
// game's stdout.
const linePrefix = "⛏️ "

// Options shape a root logger.
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// ResolveOptions picks the level from the first non-empty of flag, the
// KILN_LOG_LEVEL environment variable and configured, and the output format
// from KILN_JSON_LOG.
func ResolveOptions(flag, configured string) Options {
	level := DefaultLevel
	for _, l := range []string{flag, os.Getenv(EnvLogLevel), configured} {
		if l = strings.TrimSpace(l); l != "" {
			level = l
			break
		}
	}
	return Options{Level: level, JSON: os.Getenv(EnvJSONLog) == "1"}
}

// New builds the root logger. Text output goes through a PrefixWriter so
// launcher lines stand out from game output; JSON output is left as is.
func New(name string, o Options) hclog.Logger {
	out := o.Output
	if out == nil {
		out = os.Stderr
	}
	if !o.JSON {
		out = NewPrefixWriter(linePrefix, out)
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(o.Level),
		JSONFormat: o.JSON,
		Output:     out,
		TimeFormat: "2006-01-02T15:04:05Z",
		TimeFn:     func() time.Time { return time.Now().UTC() },
	})
}

// OrNull returns logger, or a logger that discards everything when nil.
func OrNull(logger hclog.Logger) hclog.Logger {
	if logger == nil {
		return hclog.NewNullLogger()
	}
	return logger
}
