package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/kiln/internal/download"
	"github.com/provide-io/kiln/internal/manifest"
	"github.com/provide-io/kiln/internal/store"
	"github.com/provide-io/kiln/pkg/logging"
)

// Endpoints locates the metadata services and Maven repositories.
type Endpoints struct {
	FabricMeta    string
	QuiltMeta     string
	ForgeMaven    string
	NeoForgeMaven string
	NeoForgeAPI   string
}

// DefaultEndpoints are the public services.
var DefaultEndpoints = Endpoints{
	FabricMeta:    "https://meta.fabricmc.net/v2",
	QuiltMeta:     "https://meta.quiltmc.org/v3",
	ForgeMaven:    "https://maven.minecraftforge.net",
	NeoForgeMaven: "https://maven.neoforged.net/releases",
	NeoForgeAPI:   "https://maven.neoforged.net/api/maven/versions/releases/net/neoforged/neoforge",
}

// HTTPClient is the subset of *http.Client the installer needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Installer computes loader documents and overlays them onto base
// manifests.
type Installer struct {
	downloads *download.Orchestrator
	client    HTTPClient
	endpoints Endpoints
	logger    hclog.Logger
}

// NewInstaller creates an installer. Installer jars are fetched through
// downloads so they land in the content store.
func NewInstaller(downloads *download.Orchestrator, client HTTPClient, endpoints Endpoints, logger hclog.Logger) *Installer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Installer{
		downloads: downloads,
		client:    client,
		endpoints: endpoints.withDefaults(),
		logger:    logging.OrNull(logger).Named("loader"),
	}
}

func (e Endpoints) withDefaults() Endpoints {
	if e.FabricMeta == "" {
		e.FabricMeta = DefaultEndpoints.FabricMeta
	}
	if e.QuiltMeta == "" {
		e.QuiltMeta = DefaultEndpoints.QuiltMeta
	}
	if e.ForgeMaven == "" {
		e.ForgeMaven = DefaultEndpoints.ForgeMaven
	}
	if e.NeoForgeMaven == "" {
		e.NeoForgeMaven = DefaultEndpoints.NeoForgeMaven
	}
	if e.NeoForgeAPI == "" {
		e.NeoForgeAPI = DefaultEndpoints.NeoForgeAPI
	}
	return e
}

// Apply fetches the variant's document for base's game version and
// overlays it, so variant libraries win on name collisions. A None variant
// returns a copy of base.
func (i *Installer) Apply(ctx context.Context, base *manifest.Manifest, v Variant) (*manifest.Manifest, error) {
	if v.IsNone() {
		return base.Clone(), nil
	}
	doc, err := i.Document(ctx, base, v)
	if err != nil {
		return nil, err
	}
	return ApplyDocument(base, doc)
}

// ApplyDocument overlays a previously fetched loader document, as used when
// relaunching from a persisted loader.json.
func ApplyDocument(base *manifest.Manifest, doc *manifest.Document) (*manifest.Manifest, error) {
	return manifest.Overlay(base, doc, base.Platform)
}

// Resolved is a loader build pinned for one game version.
type Resolved struct {
	Document *manifest.Document

	// Variant carries the chosen version.
	Variant Variant

	// Installer is the stored installer jar of Forge-family loaders.
	Installer store.Checksum

	// Processors reports whether the installer must run before launch to
	// produce libraries the document lists without a download.
	Processors bool
}

// Document fetches variant metadata, checks compatibility with base's game
// version and returns the variant document. Compatibility is settled before
// any artifact is downloaded.
func (i *Installer) Document(ctx context.Context, base *manifest.Manifest, v Variant) (*manifest.Document, error) {
	r, err := i.Resolve(ctx, base, v)
	if err != nil {
		return nil, err
	}
	return r.Document, nil
}

// Resolve is Document that also reports the chosen build and its
// installer, for callers that install it.
func (i *Installer) Resolve(ctx context.Context, base *manifest.Manifest, v Variant) (*Resolved, error) {
	game := base.GameVersion()
	i.logger.Info("🔍 Resolving loader", "loader", v.Kind.String(), "version", v.Version, "game", game)

	var (
		r   *Resolved
		err error
	)
	switch v.Kind {
	case Fabric, Quilt:
		meta := i.endpoints.FabricMeta
		if v.Kind == Quilt {
			meta = i.endpoints.QuiltMeta
		}
		var (
			doc     *manifest.Document
			version string
		)
		doc, version, err = i.fabricLike(ctx, meta, v, game)
		if err == nil {
			r = &Resolved{Document: doc, Variant: Variant{Kind: v.Kind, Version: version}}
		}
	case Forge:
		r, err = i.forge(ctx, v, game)
	case NeoForge:
		r, err = i.neoForge(ctx, v, game, base.ReleaseTime)
	default:
		return nil, fmt.Errorf("no installer for loader %s", v.Kind)
	}
	if err != nil {
		return nil, err
	}

	doc := r.Document
	for _, lib := range doc.Libraries {
		if lib.Downloads != nil && lib.Downloads.Artifact != nil && lib.Downloads.Artifact.URL == "" && !r.Processors {
			i.logger.Warn("⚠️ Library has no download and no installer produces it", "library", lib.Name)
		}
	}

	i.logger.Info("✅ Loader resolved", "document", doc.ID, "version", r.Variant.Version,
		"main_class", doc.MainClass, "libraries", len(doc.Libraries), "processors", r.Processors)
	return r, nil
}

func (i *Installer) getJSON(ctx context.Context, url string, v interface{}) error {
	body, err := i.get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}

func (i *Installer) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &download.StatusError{URL: url, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, nil
}
