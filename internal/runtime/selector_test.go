package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provide-io/kiln/internal/download"
	"github.com/provide-io/kiln/internal/kilnerr"
	"github.com/provide-io/kiln/internal/platform"
	"github.com/provide-io/kiln/internal/store"
)

var linux64 = platform.Platform{OS: platform.OSLinux, Arch: platform.ArchX86_64}

func testLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: "runtime_test", Level: hclog.Trace})
}

// jdkTarball builds a tar.gz with a single top-level jdk directory.
func jdkTarball(t *testing.T, top, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	files := []struct {
		name string
		mode int64
		body string
	}{
		{top + "/release", 0644, fmt.Sprintf("IMPLEMENTOR=\"Amazon.com Inc.\"\nJAVA_VERSION=\"%s\"\n", version)},
		{top + "/bin/java", 0755, "#!/bin/sh\necho java\n"},
		{top + "/lib/modules", 0644, "modules"},
	}
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     f.name,
			Mode:     f.mode,
			Size:     int64(len(f.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type runtimeServer struct {
	srv  *httptest.Server
	hits atomic.Int32
}

func newRuntimeServer(t *testing.T, body []byte) *runtimeServer {
	rs := &runtimeServer{}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		w.Write(body)
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func newSelector(t *testing.T, catalog *Catalog, opts ...Option) *Selector {
	t.Helper()
	st, err := store.Open(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	downloads := download.New(st, download.WithLogger(testLogger()), download.WithMaxAttempts(2))
	opts = append([]Option{WithCatalog(catalog), WithJavaHome(false), WithLogger(testLogger())}, opts...)
	s, err := NewSelector(filepath.Join(t.TempDir(), "runtimes"), downloads, opts...)
	require.NoError(t, err)
	return s
}

func catalogFor(major int, url, checksum string) *Catalog {
	return &Catalog{
		ChecksumAlgorithm: "sha256",
		Builds: []Build{{
			Major: major,
			Archives: map[string]Archive{
				"linux-x86_64": {URL: url, Checksum: checksum},
			},
		}},
	}
}

func TestProvisionJava17(t *testing.T) {
	body := jdkTarball(t, "amazon-corretto-17.0.9.8.1-linux-x64", "17.0.9")
	rs := newRuntimeServer(t, body)
	sum := store.Calculate(body, store.SHA256)

	s := newSelector(t, catalogFor(17, rs.srv.URL+"/amazon-corretto-17-x64-linux-jdk.tar.gz", sum.String()))
	ctx := context.Background()

	b, err := s.Select(ctx, 17, linux64)
	require.NoError(t, err)
	assert.Equal(t, 17, b.Major)
	assert.Equal(t, "17.0.9", b.Version)
	assert.Equal(t, OriginProvisioned, b.Origin)
	assert.Equal(t,
		filepath.Join(s.Root(), "java-17", "amazon-corretto-17.0.9.8.1-linux-x64", "bin", "java"),
		b.Path)

	info, err := os.Stat(b.Path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0100, "java must stay executable")

	// a second selection reuses the installed runtime
	again, err := s.Select(ctx, 17, linux64)
	require.NoError(t, err)
	assert.Equal(t, OriginInstalled, again.Origin)
	assert.Equal(t, b.Path, again.Path)
	assert.EqualValues(t, 1, rs.hits.Load())

	referenced, err := s.downloads.Store().Refs().Referenced(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{sum.String(): {}}, referenced, "the archive is held by the runtime")

	_, err = os.Stat(filepath.Join(s.Root(), ".java-17.lock"))
	assert.True(t, os.IsNotExist(err), "install lock must be released")
}

func TestProvisionRejectsChecksumMismatch(t *testing.T) {
	body := jdkTarball(t, "jdk-17", "17.0.9")
	rs := newRuntimeServer(t, body)
	wrong := store.Calculate([]byte("something else"), store.SHA256)

	s := newSelector(t, catalogFor(17, rs.srv.URL+"/jdk.tar.gz", wrong.String()))
	_, err := s.Select(context.Background(), 17, linux64)
	require.Error(t, err)
	assert.True(t, kilnerr.Is(err, kilnerr.CodeDownloadFailed))

	_, statErr := os.Stat(filepath.Join(s.Root(), "java-17"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnsupportedPlatform(t *testing.T) {
	s := newSelector(t, catalogFor(17, "http://unused.invalid/jdk.tar.gz", ""))

	_, err := s.Select(context.Background(), 21, linux64)
	require.Error(t, err)
	assert.True(t, kilnerr.Is(err, kilnerr.CodeUnsupportedPlatform))

	_, err = s.Select(context.Background(), 17, platform.Platform{OS: platform.OSFreeBSD, Arch: platform.ArchX86_64})
	assert.True(t, kilnerr.Is(err, kilnerr.CodeUnsupportedPlatform))
}

func writeJDK(t *testing.T, home, version string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "release"),
		[]byte(fmt.Sprintf("JAVA_VERSION=\"%s\"\n", version)), 0644))
	bin := filepath.Join(home, "bin", "java")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755))
	return bin
}

func TestSelectPrefersInstalledRuntimes(t *testing.T) {
	search := t.TempDir()
	writeJDK(t, filepath.Join(search, "jdk-21"), "21.0.1")
	writeJDK(t, filepath.Join(search, "jdk-25"), "25")
	writeJDK(t, filepath.Join(search, "jdk8"), "1.8.0_392")

	// any provisioning attempt would hit an unreachable URL
	s := newSelector(t, catalogFor(17, "http://127.0.0.1:1/jdk.tar.gz", ""), WithSearchPaths(search))

	tests := []struct {
		min  int
		want int
	}{
		{8, 8},
		{17, 21},
		{21, 21},
		{22, 25},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("java-%d", tt.min), func(t *testing.T) {
			b, err := s.Select(context.Background(), tt.min, linux64)
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Major)
			assert.Equal(t, OriginInstalled, b.Origin)
		})
	}
}

func TestJavaHomeIsScanned(t *testing.T) {
	home := filepath.Join(t.TempDir(), "jdk")
	writeJDK(t, home, "17.0.2")
	t.Setenv("JAVA_HOME", home)

	s := newSelector(t, catalogFor(17, "http://127.0.0.1:1/jdk.tar.gz", ""), WithJavaHome(true))
	b, err := s.Select(context.Background(), 17, linux64)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "bin", "java"), b.Path)
}

func TestLocateBinaryLayouts(t *testing.T) {
	tests := []struct {
		name string
		rel  string
		plat platform.Platform
	}{
		{"flat", "bin/java", linux64},
		{"nested", "jdk-21/bin/java", linux64},
		{"mac bundle", "amazon-corretto-21.jdk/Contents/Home/bin/java", platform.Platform{OS: platform.OSMac, Arch: platform.ArchArm64}},
		{"jre bundle", "jre.bundle/Contents/Home/bin/java", platform.Platform{OS: platform.OSMac, Arch: platform.ArchX86_64}},
		{"windows", "jdk-17/bin/java.exe", platform.Platform{OS: platform.OSWindows, Arch: platform.ArchX86_64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			want := filepath.Join(dir, filepath.FromSlash(tt.rel))
			require.NoError(t, os.MkdirAll(filepath.Dir(want), 0755))
			require.NoError(t, os.WriteFile(want, nil, 0755))

			got, home, ok := locateBinary(dir, tt.plat)
			require.True(t, ok)
			assert.Equal(t, want, got)
			assert.Equal(t, filepath.Dir(filepath.Dir(want)), home)
		})
	}

	_, _, ok := locateBinary(t.TempDir(), linux64)
	assert.False(t, ok)
}

func TestMajorOf(t *testing.T) {
	tests := map[string]int{
		"1.8.0_392": 8,
		"17.0.9":    17,
		"21":        21,
		"25-ea":     25,
		"":          0,
		"garbage":   0,
	}
	for in, want := range tests {
		assert.Equal(t, want, MajorOf(in), in)
	}
}

func TestOverride(t *testing.T) {
	bin := writeJDK(t, filepath.Join(t.TempDir(), "custom"), "21.0.4")
	s := newSelector(t, catalogFor(17, "http://unused.invalid", ""))

	b, err := s.Override(bin, linux64)
	require.NoError(t, err)
	assert.Equal(t, OriginOverride, b.Origin)
	assert.Equal(t, 21, b.Major)

	_, err = s.Override(filepath.Join(t.TempDir(), "missing"), linux64)
	assert.Error(t, err)
}

func TestDefaultCatalog(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	major, arc, ok := c.Lookup(17, linux64)
	require.True(t, ok)
	assert.Equal(t, 17, major)
	assert.Equal(t, "https://corretto.aws/downloads/latest/amazon-corretto-17-x64-linux-jdk.tar.gz", arc.URL)
	assert.Equal(t, "https://corretto.aws/downloads/latest_sha256/amazon-corretto-17-x64-linux-jdk.tar.gz", arc.ChecksumURL)

	major, arc, ok = c.Lookup(12, platform.Platform{OS: platform.OSWindows, Arch: platform.ArchX86_64})
	require.True(t, ok)
	assert.Equal(t, 17, major)
	assert.Equal(t, "zip", arc.Format)

	_, _, ok = c.Lookup(21, platform.Platform{OS: platform.OSWindows, Arch: platform.ArchX86})
	assert.False(t, ok)

	assert.Equal(t, []int{8, 11, 17, 21, 25}, c.Majors(platform.Platform{OS: platform.OSMac, Arch: platform.ArchArm64}))
}
