package download

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/provide-io/kiln/internal/store"
)

// sidecarSuffixes maps Maven checksum sidecars to their algorithm, most
// preferred first.
var sidecarSuffixes = []struct {
	suffix string
	algo   store.Algorithm
}{
	{".sha1", store.SHA1},
	{".sha256", store.SHA256},
	{".sha512", store.SHA512},
}

// ResolveSidecar reads the checksum published next to a Maven artifact as
// <url>.sha1 (or .sha256/.sha512 when sha1 is absent).
func (o *Orchestrator) ResolveSidecar(ctx context.Context, url string) (store.Checksum, error) {
	var lastErr error
	for _, sc := range sidecarSuffixes {
		sum, err := o.readSidecar(ctx, url+sc.suffix, sc.algo)
		if err == nil {
			return sum, nil
		}
		lastErr = err
		if !IsNotFound(err) {
			break
		}
	}
	return store.Checksum{}, fmt.Errorf("resolving checksum for %s: %w", url, lastErr)
}

func (o *Orchestrator) readSidecar(ctx context.Context, url string, algo store.Algorithm) (store.Checksum, error) {
	data, err := o.FetchDocument(ctx, url, 1024)
	if err != nil {
		return store.Checksum{}, err
	}
	// some repositories append the file name after the digest
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return store.Checksum{}, fmt.Errorf("empty checksum file %s", url)
	}
	return store.ParseChecksum(algo.String() + ":" + fields[0])
}

// ResolveChecksumURL reads a digest of algo published at url.
func (o *Orchestrator) ResolveChecksumURL(ctx context.Context, url string, algo store.Algorithm) (store.Checksum, error) {
	sum, err := o.readSidecar(ctx, url, algo)
	if err != nil {
		return store.Checksum{}, fmt.Errorf("resolving checksum from %s: %w", url, err)
	}
	return sum, nil
}

// FetchDocument reads at most limit bytes of an unverified document, such
// as a listing that is republished in place. It shares the rate limit of
// the batches.
func (o *Orchestrator) FetchDocument(ctx context.Context, url string, limit int64) ([]byte, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	body, _, err := o.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return data, nil
}
