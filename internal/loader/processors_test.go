//go:build !windows

package loader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provide-io/kiln/internal/kilnerr"
	"github.com/provide-io/kiln/internal/manifest"
	"github.com/provide-io/kiln/internal/store"
)

const forgeClientPath = "net/minecraftforge/forge/1.20.1-47.10.1/forge-1.20.1-47.10.1-client.jar"

// serveForge publishes one Forge build whose installer lists processors.
func serveForge(t *testing.T, m *metaServer) string {
	t.Helper()
	m.serve("/forge/net/minecraftforge/forge/maven-metadata.xml", []byte(`<metadata><versioning><versions>
		<version>1.20.1-47.10.1</version>
	</versions></versioning></metadata>`))
	jar := buildInstallerJar(t, map[string]string{
		"install_profile.json": `{"processors":[{"jar":"net.minecraftforge:binarypatcher:1.1.1:fatjar","args":[]}]}`,
		"version.json": `{
			"id":"1.20.1-forge-47.10.1","inheritsFrom":"1.20.1",
			"mainClass":"cpw.mods.bootstraplauncher.BootstrapLauncher",
			"libraries":[{"name":"net.minecraftforge:forge:1.20.1-47.10.1:client",
				"downloads":{"artifact":{"path":"` + forgeClientPath + `","url":"","sha1":""}}}]
		}`,
	})
	jarPath := "/forge/net/minecraftforge/forge/1.20.1-47.10.1/forge-1.20.1-47.10.1-installer.jar"
	m.serve(jarPath, jar)
	m.serve(jarPath+".sha1", []byte(store.Calculate(jar, store.SHA1).Hex))
	return jarPath
}

// vanillaWithClient resolves a game version whose client jar m serves.
func vanillaWithClient(t *testing.T, m *metaServer, game string) (*manifest.Manifest, []byte) {
	t.Helper()
	client := []byte("vanilla client " + game)
	m.serve("/client/"+game+".jar", client)
	doc := &manifest.Document{
		ID:        game,
		MainClass: "net.minecraft.client.main.Main",
		Downloads: map[string]manifest.Artifact{
			"client": {URL: m.URL + "/client/" + game + ".jar", SHA1: store.Calculate(client, store.SHA1).Hex, Size: int64(len(client))},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	r := manifest.NewResolver(manifest.NewMemorySource(map[string][]byte{game: data}), linux64, testLogger())
	base, err := r.Resolve(context.Background(), game)
	require.NoError(t, err)
	return base, data
}

func fakeInstallerJava(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "java")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestRunProcessorsProducesLibraries(t *testing.T) {
	m := newMetaServer(t)
	serveForge(t, m)
	base, raw := vanillaWithClient(t, m, "1.20.1")
	inst := newInstaller(t, m)

	r, err := inst.Resolve(context.Background(), base, Variant{Kind: Forge})
	require.NoError(t, err)
	assert.True(t, r.Processors)
	assert.Equal(t, Variant{Kind: Forge, Version: "47.10.1"}, r.Variant)
	assert.False(t, r.Installer.IsZero())

	java := fakeInstallerJava(t, `
[ "$1" = "-jar" ] || exit 11
[ -f "$2" ] || exit 12
[ "$3" = "--installClient" ] || exit 13
[ -f "$4/launcher_profiles.json" ] || exit 14
[ -f "$4/versions/1.20.1/1.20.1.jar" ] || exit 15
[ -f "$4/versions/1.20.1/1.20.1.json" ] || exit 16
mkdir -p "$4/libraries/net/minecraftforge/forge/1.20.1-47.10.1"
echo patched > "$4/libraries/`+forgeClientPath+`"
echo "processors done"
`)
	dir := t.TempDir()
	sums, err := inst.RunProcessors(context.Background(), r, ProcessorRun{Java: java, Dir: dir, Base: base, BaseDocument: raw})
	require.NoError(t, err)
	assert.Len(t, sums, 2, "installer jar and vanilla client")
	assert.Equal(t, r.Installer, sums[0])
	assert.Equal(t, 1, m.hitCount("/client/1.20.1.jar"))

	got, err := os.ReadFile(filepath.Join(dir, "libraries", filepath.FromSlash(forgeClientPath)))
	require.NoError(t, err)
	assert.Equal(t, "patched\n", string(got))

	// scratch files of the installer are removed
	for _, name := range []string{".installer", "versions", "launcher_profiles.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.True(t, os.IsNotExist(err), name)
	}
}

func TestRunProcessorsReportsFailedInstaller(t *testing.T) {
	m := newMetaServer(t)
	serveForge(t, m)
	base, raw := vanillaWithClient(t, m, "1.20.1")
	inst := newInstaller(t, m)

	r, err := inst.Resolve(context.Background(), base, Variant{Kind: Forge})
	require.NoError(t, err)

	java := fakeInstallerJava(t, `echo "processor binarypatcher failed" >&2; exit 1`)
	_, err = inst.RunProcessors(context.Background(), r, ProcessorRun{Java: java, Dir: t.TempDir(), Base: base, BaseDocument: raw})
	require.Error(t, err)
	assert.True(t, kilnerr.Is(err, kilnerr.CodeLoaderInstallFailed))
	assert.Contains(t, err.Error(), "processor binarypatcher failed")
}

func TestRunProcessorsChecksOutputs(t *testing.T) {
	m := newMetaServer(t)
	serveForge(t, m)
	base, raw := vanillaWithClient(t, m, "1.20.1")
	inst := newInstaller(t, m)

	r, err := inst.Resolve(context.Background(), base, Variant{Kind: Forge})
	require.NoError(t, err)

	java := fakeInstallerJava(t, `exit 0`)
	_, err = inst.RunProcessors(context.Background(), r, ProcessorRun{Java: java, Dir: t.TempDir(), Base: base, BaseDocument: raw})
	require.Error(t, err)
	assert.True(t, kilnerr.Is(err, kilnerr.CodeLoaderInstallFailed))
	assert.Contains(t, err.Error(), forgeClientPath)
}

func TestRunProcessorsSkipsLoadersWithoutProcessors(t *testing.T) {
	inst := NewInstaller(nil, nil, Endpoints{}, testLogger())
	sums, err := inst.RunProcessors(context.Background(), &Resolved{Variant: Variant{Kind: Fabric, Version: "0.15.0"}}, ProcessorRun{})
	require.NoError(t, err)
	assert.Empty(t, sums)
}
