package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned by a Source that has no document for an id.
var ErrNotFound = errors.New("version document not found")

// Source supplies raw version documents by id.
type Source interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// MemorySource serves documents held in memory.
type MemorySource struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemorySource returns a source preloaded with docs.
func NewMemorySource(docs map[string][]byte) *MemorySource {
	m := &MemorySource{docs: make(map[string][]byte, len(docs))}
	for id, data := range docs {
		m.docs[id] = data
	}
	return m
}

// Add stores or replaces the document for id.
func (m *MemorySource) Add(id string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = data
}

// Fetch implements Source.
func (m *MemorySource) Fetch(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return data, nil
}

// DirSource reads documents from a versions directory laid out as
// <dir>/<id>/<id>.json.
type DirSource struct {
	Dir string
}

// DocumentPath returns where the document for id lives under dir.
func DocumentPath(dir, id string) string {
	return filepath.Join(dir, id, id+".json")
}

// Fetch implements Source.
func (d DirSource) Fetch(_ context.Context, id string) ([]byte, error) {
	if id == "" || filepath.Base(id) != id {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(DocumentPath(d.Dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading cached document %s: %w", id, err)
	}
	return data, nil
}

// ChainSource tries each source in order and returns the first document
// found. Errors other than ErrNotFound stop the search.
type ChainSource []Source

// Fetch implements Source.
func (c ChainSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	for _, src := range c {
		data, err := src.Fetch(ctx, id)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}
