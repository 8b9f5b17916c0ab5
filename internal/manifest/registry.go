package manifest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/kiln/pkg/logging"
)

const (
	// DefaultIndexURL is the public version index.
	DefaultIndexURL = "https://piston-meta.mojang.com/mc/game/version_manifest_v2.json"

	defaultIndexTTL = 5 * time.Minute
)

// HTTPClient is the subset of *http.Client the registry needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// VersionEntry is one row of the version index.
type VersionEntry struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	Time        string `json:"time,omitempty"`
	ReleaseTime string `json:"releaseTime,omitempty"`
	SHA1        string `json:"sha1,omitempty"`
}

// VersionIndex is the registry's list of published versions.
type VersionIndex struct {
	Latest struct {
		Release  string `json:"release"`
		Snapshot string `json:"snapshot"`
	} `json:"latest"`
	Versions []VersionEntry `json:"versions"`
}

// RegistryOption configures a RegistrySource.
type RegistryOption func(*RegistrySource)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(h HTTPClient) RegistryOption {
	return func(r *RegistrySource) {
		if h != nil {
			r.httpClient = h
		}
	}
}

// WithIndexURL overrides the version index location.
func WithIndexURL(url string) RegistryOption {
	return func(r *RegistrySource) {
		if url != "" {
			r.indexURL = url
		}
	}
}

// WithCacheDir enables write-through of fetched documents into a versions
// directory readable by DirSource.
func WithCacheDir(dir string) RegistryOption {
	return func(r *RegistrySource) {
		r.cacheDir = dir
	}
}

// WithIndexTTL sets how long the version index is reused.
func WithIndexTTL(ttl time.Duration) RegistryOption {
	return func(r *RegistrySource) {
		if ttl > 0 {
			r.indexTTL = ttl
		}
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger hclog.Logger) RegistryOption {
	return func(r *RegistrySource) {
		r.logger = logging.OrNull(logger).Named("registry")
	}
}

// RegistrySource fetches documents from the remote version index.
type RegistrySource struct {
	indexURL   string
	httpClient HTTPClient
	indexTTL   time.Duration
	cacheDir   string
	logger     hclog.Logger

	mu       sync.Mutex
	index    *VersionIndex
	cachedAt time.Time
}

// NewRegistrySource creates a registry-backed source.
func NewRegistrySource(opts ...RegistryOption) *RegistrySource {
	r := &RegistrySource{
		indexURL:   DefaultIndexURL,
		httpClient: http.DefaultClient,
		indexTTL:   defaultIndexTTL,
		logger:     hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Index returns the version index, reusing a cached copy within the TTL.
func (r *RegistrySource) Index(ctx context.Context) (*VersionIndex, error) {
	r.mu.Lock()
	if r.index != nil && time.Since(r.cachedAt) <= r.indexTTL {
		idx := r.index
		r.mu.Unlock()
		return idx, nil
	}
	r.mu.Unlock()

	r.logger.Debug("🔍 Fetching version index", "url", r.indexURL)
	body, err := r.get(ctx, r.indexURL)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	var idx VersionIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, fmt.Errorf("registry: decode index: %w", err)
	}

	r.mu.Lock()
	r.index = &idx
	r.cachedAt = time.Now()
	r.mu.Unlock()
	return &idx, nil
}

// Fetch implements Source.
func (r *RegistrySource) Fetch(ctx context.Context, id string) ([]byte, error) {
	idx, err := r.Index(ctx)
	if err != nil {
		return nil, err
	}

	var entry *VersionEntry
	for i := range idx.Versions {
		if idx.Versions[i].ID == id {
			entry = &idx.Versions[i]
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.logger.Debug("⬇️ Fetching version document", "id", id, "url", entry.URL)
	body, err := r.get(ctx, entry.URL)
	if err != nil {
		return nil, fmt.Errorf("registry: %s: %w", id, err)
	}

	if entry.SHA1 != "" {
		sum := sha1.Sum(body)
		if actual := hex.EncodeToString(sum[:]); !strings.EqualFold(actual, entry.SHA1) {
			return nil, fmt.Errorf("registry: %s: checksum mismatch: expected %s, got %s", id, entry.SHA1, actual)
		}
	}

	if r.cacheDir != "" {
		if err := writeDocument(r.cacheDir, id, body); err != nil {
			r.logger.Warn("⚠️ Failed to cache version document", "id", id, "error", err)
		}
	}
	return body, nil
}

func (r *RegistrySource) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// writeDocument stores a document in a versions directory atomically.
func writeDocument(dir, id string, data []byte) error {
	dest := DocumentPath(dir, id)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), id+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
