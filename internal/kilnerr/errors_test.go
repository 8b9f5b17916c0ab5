package kilnerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageIsStable(t *testing.T) {
	err := New(CodeDownloadFailed, "download of lib failed").
		WithContext("task", "lib").
		WithContext("cause", "network").
		WithCause(errors.New("connection reset")).
		WithSuggestion("retry")

	assert.Equal(t,
		"[DOWNLOAD_FAILED] download of lib failed; context: cause=network, task=lib; cause: connection reset; suggestion: retry",
		err.Error())
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	base := ManifestNotFound("1.20.1")
	wrapped := fmt.Errorf("resolving instance: %w", base)

	assert.True(t, Is(wrapped, CodeManifestNotFound))
	assert.False(t, Is(wrapped, CodeManifestCycle))
	assert.True(t, errors.Is(wrapped, &Error{Code: CodeManifestNotFound}))
	assert.False(t, Is(errors.New("plain"), CodeManifestNotFound))
}

func TestDownloadCause(t *testing.T) {
	inner := errors.New("sha1 mismatch")
	err := fmt.Errorf("batch: %w", DownloadFailed("task-4", CauseChecksumMismatch, inner))

	task, cause, ok := DownloadCause(err)
	require.True(t, ok)
	assert.Equal(t, "task-4", task)
	assert.Equal(t, CauseChecksumMismatch, cause)
	assert.ErrorIs(t, err, inner)

	_, _, ok = DownloadCause(UnsupportedPlatform("freebsd-x86_64", 17))
	assert.False(t, ok)
}

func TestConstructorsCarryContext(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		code Code
		key  string
		want interface{}
	}{
		{"cycle", ManifestCycle([]string{"a", "b", "a"}), CodeManifestCycle, "chain", "a -> b -> a"},
		{"loader", LoaderVersionIncompatible("fabric", "0.15.0", "1.2.5"), CodeLoaderVersionIncompatible, "game_version", "1.2.5"},
		{"platform", UnsupportedPlatform("freebsd-x86_64", 21), CodeUnsupportedPlatform, "java_major", 21},
		{"template", TemplateSubstitution("auth_access_token", "${auth_access_token}"), CodeTemplateSubstitution, "placeholder", "auth_access_token"},
		{"spawn", ProcessSpawnFailed("/no/java", errors.New("enoent")), CodeProcessSpawnFailed, "executable", "/no/java"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, tc.err.Code)
			assert.Equal(t, tc.want, tc.err.Context[tc.key])
		})
	}
}
