package loader

import (
	"context"
	"fmt"
	"net/url"

	"github.com/provide-io/kiln/internal/kilnerr"
	"github.com/provide-io/kiln/internal/manifest"
)

// fabricLoaderEntry is one row of /versions/loader/<game>.
type fabricLoaderEntry struct {
	Loader struct {
		Version string `json:"version"`
		Stable  bool   `json:"stable"`
	} `json:"loader"`
}

// fabricLike handles Fabric and Quilt, whose metadata services share one
// API shape. Lists are newest first.
func (i *Installer) fabricLike(ctx context.Context, meta string, v Variant, game string) (*manifest.Document, string, error) {
	listURL := fmt.Sprintf("%s/versions/loader/%s", meta, url.PathEscape(game))

	var entries []fabricLoaderEntry
	if err := i.getJSON(ctx, listURL, &entries); err != nil {
		return nil, "", fmt.Errorf("%s versions for %s: %w", v.Kind, game, err)
	}

	available := make([]string, 0, len(entries))
	for _, e := range entries {
		available = append(available, e.Loader.Version)
	}

	version := v.Version
	if version == "" {
		if len(available) == 0 {
			return nil, "", kilnerr.LoaderVersionIncompatible(v.Kind.String(), "latest", game)
		}
		version = available[0]
	}
	if !contains(available, version) {
		return nil, "", kilnerr.LoaderVersionIncompatible(v.Kind.String(), version, game)
	}

	profileURL := fmt.Sprintf("%s/versions/loader/%s/%s/profile/json",
		meta, url.PathEscape(game), url.PathEscape(version))
	body, err := i.get(ctx, profileURL)
	if err != nil {
		return nil, "", fmt.Errorf("%s profile %s: %w", v.Kind, version, err)
	}
	doc, err := manifest.ParseDocument(body)
	if err != nil {
		return nil, "", fmt.Errorf("%s profile %s: %w", v.Kind, version, err)
	}
	if doc.InheritsFrom != "" && doc.InheritsFrom != game {
		return nil, "", kilnerr.LoaderVersionIncompatible(v.Kind.String(), version, game)
	}
	return doc, version, nil
}
