// Package kilnerr defines the structured error taxonomy surfaced by the
// provisioning engine.
package kilnerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies categories of errors
type Code string

const (
	// Resolution errors 📄
	CodeManifestNotFound          Code = "MANIFEST_NOT_FOUND"
	CodeManifestCycle             Code = "MANIFEST_CYCLE"
	CodeLoaderVersionIncompatible Code = "LOADER_VERSION_INCOMPATIBLE"

	// Provisioning errors 📦
	CodeDownloadFailed      Code = "DOWNLOAD_FAILED"
	CodeUnsupportedPlatform Code = "UNSUPPORTED_PLATFORM"
	CodeLoaderInstallFailed Code = "LOADER_INSTALL_FAILED"

	// Launch errors 🚀
	CodeTemplateSubstitution Code = "TEMPLATE_SUBSTITUTION"
	CodeProcessSpawnFailed   Code = "PROCESS_SPAWN_FAILED"
)

// Cause classifies why a download task failed.
type Cause string

const (
	CauseNetwork          Cause = "network"
	CauseChecksumMismatch Cause = "checksum-mismatch"
	CauseDiskWrite        Cause = "disk-write"
)

// Error is an engine error with enough context to render an actionable message.
type Error struct {
	// Code identifies the error type
	Code Code

	// Message is the primary error message
	Message string

	// Context provides additional details (task id, manifest id, placeholder, ...)
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// Error implements the error interface. Context keys are printed in sorted
// order so messages are stable.
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Code, e.Message)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "context: "+strings.Join(contextParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, "suggestion: "+e.Suggestion)
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new Error with the given code and message
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// Is reports whether any error in err's chain carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// As extracts the first *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// ManifestNotFound reports that no source could provide the version document.
func ManifestNotFound(id string) *Error {
	return New(CodeManifestNotFound, fmt.Sprintf("version %q not found", id)).
		WithContext("manifest", id).
		WithSuggestion("check the version id or refresh the version registry")
}

// ManifestCycle reports an inheritance chain that revisits an id.
func ManifestCycle(chain []string) *Error {
	return New(CodeManifestCycle, "inheritance chain contains a cycle").
		WithContext("chain", strings.Join(chain, " -> "))
}

// LoaderVersionIncompatible reports a loader build that does not target the
// instance's game version.
func LoaderVersionIncompatible(kind, loaderVersion, gameVersion string) *Error {
	return New(CodeLoaderVersionIncompatible,
		fmt.Sprintf("%s %s does not support game version %s", kind, loaderVersion, gameVersion)).
		WithContext("loader", kind).
		WithContext("loader_version", loaderVersion).
		WithContext("game_version", gameVersion).
		WithSuggestion("pick a loader version listed for this game version")
}

// DownloadFailed reports a task that exhausted its retries.
func DownloadFailed(task string, cause Cause, err error) *Error {
	return New(CodeDownloadFailed, fmt.Sprintf("download of %s failed", task)).
		WithContext("task", task).
		WithContext("cause", string(cause)).
		WithCause(err)
}

// DownloadCause returns the classified cause of a DownloadFailed error.
func DownloadCause(err error) (task string, cause Cause, ok bool) {
	e, found := As(err)
	if !found || e.Code != CodeDownloadFailed {
		return "", "", false
	}
	task, _ = e.Context["task"].(string)
	c, _ := e.Context["cause"].(string)
	return task, Cause(c), true
}

// UnsupportedPlatform reports a host with no known runtime build.
func UnsupportedPlatform(platform string, major int) *Error {
	return New(CodeUnsupportedPlatform,
		fmt.Sprintf("no Java %d build is known for %s", major, platform)).
		WithContext("platform", platform).
		WithContext("java_major", major).
		WithSuggestion("install a suitable Java runtime and set it as the instance's runtime override")
}

// LoaderInstallFailed reports a loader installer that did not produce the
// libraries its document needs.
func LoaderInstallFailed(kind, loaderVersion string, err error) *Error {
	return New(CodeLoaderInstallFailed, fmt.Sprintf("installing %s %s failed", kind, loaderVersion)).
		WithContext("loader", kind).
		WithContext("loader_version", loaderVersion).
		WithCause(err)
}

// TemplateSubstitution reports an argument template with no value for a placeholder.
func TemplateSubstitution(placeholder, argument string) *Error {
	return New(CodeTemplateSubstitution,
		fmt.Sprintf("no value for placeholder ${%s}", placeholder)).
		WithContext("placeholder", placeholder).
		WithContext("argument", argument)
}

// ProcessSpawnFailed reports that the child process could not be started.
func ProcessSpawnFailed(executable string, err error) *Error {
	return New(CodeProcessSpawnFailed, fmt.Sprintf("failed to start %s", executable)).
		WithContext("executable", executable).
		WithCause(err)
}
