package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"

	"github.com/provide-io/kiln/internal/kilnerr"
	"github.com/provide-io/kiln/internal/platform"
	"github.com/provide-io/kiln/pkg/logging"
)

// Resolver turns version ids into merged manifests for one platform.
// Results are cached; concurrent resolutions of one id share a single walk.
type Resolver struct {
	source   Source
	platform platform.Platform
	logger   hclog.Logger

	mu      sync.RWMutex
	cache   map[string]*Manifest
	flights singleflight.Group
}

// NewResolver creates a resolver reading from source. Multiple sources can
// be combined with ChainSource.
func NewResolver(source Source, p platform.Platform, logger hclog.Logger) *Resolver {
	return &Resolver{
		source:   source,
		platform: p,
		logger:   logging.OrNull(logger).Named("resolver"),
		cache:    make(map[string]*Manifest),
	}
}

// Platform returns the platform rules are evaluated against.
func (r *Resolver) Platform() platform.Platform {
	return r.platform
}

// Resolve returns the merged manifest for id. The returned value is a copy
// the caller may modify.
func (r *Resolver) Resolve(ctx context.Context, id string) (*Manifest, error) {
	key := id + "@" + r.platform.String()

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	v, err, _ := r.flights.Do(key, func() (interface{}, error) {
		m, err := r.resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[key] = m
		r.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manifest).Clone(), nil
}

// ResolveDocument resolves a document that is not published by any source,
// such as a loader profile, against its inheritsFrom chain.
func (r *Resolver) ResolveDocument(ctx context.Context, doc *Document) (*Manifest, error) {
	if doc.InheritsFrom == "" {
		return fromDocument(doc, r.platform)
	}
	base, err := r.Resolve(ctx, doc.InheritsFrom)
	if err != nil {
		return nil, err
	}
	for _, id := range base.Chain {
		if id == doc.ID {
			return nil, kilnerr.ManifestCycle(append(base.Chain, doc.ID))
		}
	}
	return Overlay(base, doc, r.platform)
}

func (r *Resolver) resolve(ctx context.Context, id string) (*Manifest, error) {
	r.logger.Debug("🔍 Resolving version", "id", id, "platform", r.platform.String())

	var (
		docs    []*Document
		visited = make(map[string]bool)
		walk    []string
	)
	for next := id; next != ""; {
		walk = append(walk, next)
		if visited[next] {
			return nil, kilnerr.ManifestCycle(walk)
		}
		visited[next] = true

		doc, err := r.fetch(ctx, next)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		next = doc.InheritsFrom
	}

	root := docs[len(docs)-1]
	m, err := fromDocument(root, r.platform)
	if err != nil {
		return nil, err
	}
	for i := len(docs) - 2; i >= 0; i-- {
		if m, err = Overlay(m, docs[i], r.platform); err != nil {
			return nil, err
		}
	}

	r.logger.Debug("✅ Resolved version", "id", id, "chain", m.Chain, "libraries", len(m.Libraries))
	return m, nil
}

func (r *Resolver) fetch(ctx context.Context, id string) (*Document, error) {
	data, err := r.source.Fetch(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, kilnerr.ManifestNotFound(id).WithCause(err)
		}
		return nil, fmt.Errorf("fetching %s: %w", id, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	if doc.ID != id {
		r.logger.Warn("⚠️ Document id differs from requested id", "requested", id, "document", doc.ID)
		doc.ID = id
	}
	return doc, nil
}
