package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provide-io/kiln/internal/archive"
	"github.com/provide-io/kiln/internal/platform"
	"github.com/provide-io/kiln/internal/store"
)

// componentServer publishes a runtime listing, component manifests and
// their files.
type componentServer struct {
	*httptest.Server
	mux *http.ServeMux

	mu   sync.Mutex
	hits map[string]int
}

func newComponentServer(t *testing.T) *componentServer {
	cs := &componentServer{mux: http.NewServeMux(), hits: make(map[string]int)}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.hits[r.URL.Path]++
		cs.mu.Unlock()
		cs.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *componentServer) serve(path string, body []byte) {
	cs.mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		w.Write(body)
	})
}

func (cs *componentServer) hitCount(path string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.hits[path]
}

// file serves body and returns its manifest entry.
func (cs *componentServer) file(path string, body []byte, executable bool) componentFile {
	cs.serve(path, body)
	return componentFile{
		Type:       "file",
		Executable: executable,
		Downloads: map[string]componentDownload{
			"raw": {SHA1: store.Calculate(body, store.SHA1).Hex, Size: int64(len(body)), URL: cs.URL + path},
		},
	}
}

// publish lists files as the only build of component on platform key and
// returns the checksum of its manifest.
func (cs *componentServer) publish(t *testing.T, key, component, version string, files map[string]componentFile) store.Checksum {
	t.Helper()
	manifest, err := json.Marshal(componentManifest{Files: files})
	require.NoError(t, err)
	manifestPath := "/manifests/" + component + ".json"
	cs.serve(manifestPath, manifest)
	sum := store.Calculate(manifest, store.SHA1)

	release := componentRelease{Manifest: componentDownload{SHA1: sum.Hex, Size: int64(len(manifest)), URL: cs.URL + manifestPath}}
	release.Version.Name = version
	listing, err := json.Marshal(componentListing{key: {component: {release}}})
	require.NoError(t, err)
	cs.serve("/all.json", listing)
	return sum
}

func TestProvisionComponent(t *testing.T) {
	cs := newComponentServer(t)
	release := []byte("JAVA_VERSION=\"17.0.8\"\n")
	java := []byte("#!/bin/sh\necho java\n")
	files := map[string]componentFile{
		"bin":          {Type: "directory"},
		"bin/java":     cs.file("/objects/java", java, true),
		"release":      cs.file("/objects/release", release, false),
		"lib":          {Type: "directory"},
		"lib/modules":  cs.file("/objects/modules", []byte("modules"), false),
		"legal/NOTICE": {Type: "link", Target: "../release"},
	}
	manifestSum := cs.publish(t, "linux", "java-runtime-gamma", "17.0.8", files)

	s := newSelector(t, &Catalog{ChecksumAlgorithm: "sha256"}, WithComponents(cs.URL+"/all.json"))
	ctx := context.Background()

	b, err := s.SelectComponent(ctx, "java-runtime-gamma", 17, linux64)
	require.NoError(t, err)
	assert.Equal(t, 17, b.Major)
	assert.Equal(t, "17.0.8", b.Version)
	assert.Equal(t, OriginProvisioned, b.Origin)
	assert.Equal(t, filepath.Join(s.Root(), "java-17", "bin", "java"), b.Path)

	info, err := os.Stat(b.Path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0100, "executable files are marked executable")

	target, err := os.Readlink(filepath.Join(s.Root(), "java-17", "legal", "NOTICE"))
	require.NoError(t, err)
	assert.Equal(t, "../release", target)
	assert.DirExists(t, filepath.Join(s.Root(), "java-17", "lib"))

	referenced, err := s.downloads.Store().Refs().Referenced(ctx)
	require.NoError(t, err)
	assert.Contains(t, referenced, manifestSum.String())
	assert.Contains(t, referenced, store.Calculate(java, store.SHA1).String())
	assert.Len(t, referenced, 4, "manifest and three files")

	again, err := s.SelectComponent(ctx, "java-runtime-gamma", 17, linux64)
	require.NoError(t, err)
	assert.Equal(t, OriginInstalled, again.Origin)
	assert.Equal(t, 1, cs.hitCount("/all.json"))
	assert.Equal(t, 1, cs.hitCount("/objects/java"))
}

func TestProvisionComponentByMajor(t *testing.T) {
	cs := newComponentServer(t)
	cs.publish(t, "mac-os-arm64", "java-runtime-delta", "21.0.3", map[string]componentFile{
		"jre.bundle/Contents/Home/bin/java": cs.file("/objects/java", []byte("#!/bin/sh\n"), true),
		"jre.bundle/Contents/Home/release":  cs.file("/objects/release", []byte("JAVA_VERSION=\"21.0.3\"\n"), false),
	})
	s := newSelector(t, &Catalog{ChecksumAlgorithm: "sha256"}, WithComponents(cs.URL+"/all.json"))

	mac := platform.Platform{OS: platform.OSMac, Arch: platform.ArchArm64}
	b, err := s.Select(context.Background(), 18, mac)
	require.NoError(t, err)
	assert.Equal(t, 21, b.Major)
	assert.Equal(t, filepath.Join(s.Root(), "java-21", "jre.bundle", "Contents", "Home", "bin", "java"), b.Path)
}

func TestComponentFallsBackToCatalog(t *testing.T) {
	cs := newComponentServer(t)
	// published for another platform only
	cs.publish(t, "windows-x64", "java-runtime-gamma", "17.0.8", map[string]componentFile{})

	body := jdkTarball(t, "jdk-17", "17.0.9")
	rs := newRuntimeServer(t, body)
	sum := store.Calculate(body, store.SHA256)
	s := newSelector(t, catalogFor(17, rs.srv.URL+"/jdk.tar.gz", sum.String()), WithComponents(cs.URL+"/all.json"))

	b, err := s.SelectComponent(context.Background(), "java-runtime-gamma", 17, linux64)
	require.NoError(t, err)
	assert.Equal(t, "17.0.9", b.Version)
	assert.Equal(t, 1, cs.hitCount("/all.json"))
	assert.EqualValues(t, 1, rs.hits.Load())
}

func TestComponentRejectsEscapingPaths(t *testing.T) {
	tests := map[string]map[string]componentFile{
		"file":          {"../escape": {Type: "file"}},
		"link":          {"bin/java": {Type: "link", Target: "../../../usr/bin/java"}},
		"absolute link": {"bin/java": {Type: "link", Target: "/usr/bin/java"}},
	}
	for name, files := range tests {
		t.Run(name, func(t *testing.T) {
			cs := newComponentServer(t)
			cs.publish(t, "linux", "java-runtime-gamma", "17.0.8", files)
			s := newSelector(t, &Catalog{ChecksumAlgorithm: "sha256"}, WithComponents(cs.URL+"/all.json"))

			_, err := s.SelectComponent(context.Background(), "java-runtime-gamma", 17, linux64)
			require.Error(t, err)
			assert.True(t, errors.Is(err, archive.ErrUnsafePath))
			_, statErr := os.Stat(filepath.Join(s.Root(), "java-17"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestComponentFor(t *testing.T) {
	tests := []struct {
		min  int
		want string
	}{
		{8, "jre-legacy"},
		{11, "java-runtime-alpha"},
		{17, "java-runtime-gamma"},
		{18, "java-runtime-delta"},
		{25, "java-runtime-epsilon"},
		{26, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, componentFor(tt.min), "java %d", tt.min)
	}
}
