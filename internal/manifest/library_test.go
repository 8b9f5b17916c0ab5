package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provide-io/kiln/internal/platform"
)

func TestCoordinateMavenPath(t *testing.T) {
	tests := []struct {
		name    string
		logical string
		path    string
	}{
		{"net.fabricmc:fabric-loader:0.15.0", "net.fabricmc:fabric-loader", "net/fabricmc/fabric-loader/0.15.0/fabric-loader-0.15.0.jar"},
		{"org.lwjgl:lwjgl:3.3.1:natives-linux", "org.lwjgl:lwjgl:natives-linux", "org/lwjgl/lwjgl/3.3.1/lwjgl-3.3.1-natives-linux.jar"},
		{"de.oceanlabs.mcp:mcp_config:1.20.1@zip", "de.oceanlabs.mcp:mcp_config", "de/oceanlabs/mcp/mcp_config/1.20.1/mcp_config-1.20.1.zip"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := ParseCoordinate(tc.name)
			require.NoError(t, err)
			assert.Equal(t, tc.logical, c.LogicalName())
			assert.Equal(t, tc.path, c.MavenPath())
		})
	}

	_, err := ParseCoordinate("missing-version")
	assert.Error(t, err)
}

func TestResolveLibrariesSiblingTieBreak(t *testing.T) {
	libs := []Library{
		{Name: "org.lwjgl:lwjgl:3.2.2", Rules: []Rule{{Action: ActionAllow}}},
		{Name: "org.lwjgl:lwjgl:3.2.1", Rules: []Rule{osRule(ActionAllow, "linux")}},
		{Name: "com.example:other:1.0"},
		{Name: "org.lwjgl:lwjgl:3.2.0", Rules: []Rule{{Action: ActionAllow}}},
	}

	got, err := resolveLibraries(libs, linux64)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// narrower rule wins and keeps the first slot
	assert.Equal(t, "org.lwjgl:lwjgl", got[0].Name)
	assert.Equal(t, "3.2.1", got[0].Version)
	assert.Equal(t, "com.example:other", got[1].Name)

	// equal specificity keeps the later entry
	got, err = resolveLibraries([]Library{
		{Name: "a:b:1"},
		{Name: "c:d:1"},
		{Name: "a:b:2"},
	}, linux64)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a:b", got[0].Name)
	assert.Equal(t, "2", got[0].Version)
}

func TestResolveLibraryNatives(t *testing.T) {
	lib := Library{
		Name: "org.lwjgl.lwjgl:lwjgl-platform:2.9.4",
		Natives: map[string]string{
			"linux":   "natives-linux",
			"windows": "natives-windows-${arch}",
		},
		Extract: &Extract{Exclude: []string{"META-INF/"}},
		Downloads: &LibraryDownloads{
			Classifiers: map[string]Artifact{
				"natives-linux": {
					Path: "org/lwjgl/lwjgl/lwjgl-platform/2.9.4/lwjgl-platform-2.9.4-natives-linux.jar",
					SHA1: "abc",
					Size: 42,
					URL:  "https://libraries.minecraft.net/lwjgl-natives-linux.jar",
				},
			},
		},
	}

	got, err := resolveLibrary(lib, linux64)
	require.NoError(t, err)
	require.Len(t, got, 1, "natives-only entry emits no classpath artifact")
	assert.True(t, got[0].Native)
	assert.Equal(t, "org.lwjgl.lwjgl:lwjgl-platform:natives-linux", got[0].Name)
	assert.Equal(t, "abc", got[0].SHA1)
	assert.Equal(t, []string{"META-INF/"}, got[0].Exclude)

	win32 := platform.Platform{OS: platform.OSWindows, Arch: platform.ArchX86}
	got, err = resolveLibrary(lib, win32)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "org.lwjgl.lwjgl:lwjgl-platform:natives-windows-32", got[0].Name)
	assert.Equal(t, DefaultLibraryBase+"org/lwjgl/lwjgl/lwjgl-platform/2.9.4/lwjgl-platform-2.9.4-natives-windows-32.jar", got[0].URL)

	mac := platform.Platform{OS: platform.OSMac, Arch: platform.ArchArm64}
	got, err = resolveLibrary(lib, mac)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveLibraryInlineChecksum(t *testing.T) {
	lib := Library{Name: "org.ow2.asm:asm:9.6", URL: "https://maven.fabricmc.net", SHA1: "aa11", Size: 7}

	got, err := resolveLibrary(lib, linux64)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://maven.fabricmc.net/org/ow2/asm/asm/9.6/asm-9.6.jar", got[0].URL)
	assert.Equal(t, "aa11", got[0].SHA1)
	assert.Equal(t, int64(7), got[0].Size)
	assert.False(t, got[0].Native)
}
