package manifest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistryServer(t *testing.T, doc []byte, declaredSHA1 string) (*httptest.Server, *int32) {
	t.Helper()
	var indexHits int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/version_manifest_v2.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&indexHits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"latest":{"release":"1.20.1","snapshot":"1.20.1"},"versions":[` +
			`{"id":"1.20.1","type":"release","url":"` + srv.URL + `/v1/1.20.1.json","sha1":"` + declaredSHA1 + `"}]}`))
	})
	mux.HandleFunc("/v1/1.20.1.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(doc)
	})
	return srv, &indexHits
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestRegistrySourceFetchesAndCaches(t *testing.T) {
	doc := mustJSON(t, vanilla1201())
	srv, hits := newRegistryServer(t, doc, sha1Hex(doc))
	cacheDir := t.TempDir()

	reg := NewRegistrySource(
		WithIndexURL(srv.URL+"/version_manifest_v2.json"),
		WithCacheDir(cacheDir),
		WithRegistryLogger(testLogger()),
	)
	ctx := context.Background()

	got, err := reg.Fetch(ctx, "1.20.1")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	cached, err := os.ReadFile(DocumentPath(cacheDir, "1.20.1"))
	require.NoError(t, err)
	assert.Equal(t, doc, cached)

	_, err = reg.Fetch(ctx, "0.0.0")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits), "index is reused within its TTL")

	idx, err := reg.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.20.1", idx.Latest.Release)
}

func TestRegistrySourceRejectsChecksumMismatch(t *testing.T) {
	doc := mustJSON(t, vanilla1201())
	srv, _ := newRegistryServer(t, doc, sha1Hex([]byte("other")))
	cacheDir := t.TempDir()

	reg := NewRegistrySource(WithIndexURL(srv.URL+"/version_manifest_v2.json"), WithCacheDir(cacheDir))
	_, err := reg.Fetch(context.Background(), "1.20.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")

	_, statErr := os.Stat(DocumentPath(cacheDir, "1.20.1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestResolverWithRegistryBehindCache(t *testing.T) {
	doc := mustJSON(t, vanilla1201())
	srv, _ := newRegistryServer(t, doc, sha1Hex(doc))
	cacheDir := t.TempDir()

	src := ChainSource{
		DirSource{Dir: cacheDir},
		NewRegistrySource(WithIndexURL(srv.URL+"/version_manifest_v2.json"), WithCacheDir(cacheDir)),
	}
	m, err := NewResolver(src, linux64, testLogger()).Resolve(context.Background(), "1.20.1")
	require.NoError(t, err)
	assert.Equal(t, "1.20.1", m.ID)

	// offline: the registry is gone but the cache answers
	srv.Close()
	m, err = NewResolver(DirSource{Dir: cacheDir}, linux64, testLogger()).Resolve(context.Background(), "1.20.1")
	require.NoError(t, err)
	assert.Equal(t, "1.20.1", m.ID)
}
