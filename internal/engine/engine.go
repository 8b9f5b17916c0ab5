// Package engine wires the launcher components into the operations an
// operator runs: creating instances, installing loaders, preparing
// artifacts and launching.
package engine

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/kiln/internal/config"
	"github.com/provide-io/kiln/internal/download"
	"github.com/provide-io/kiln/internal/instance"
	"github.com/provide-io/kiln/internal/loader"
	"github.com/provide-io/kiln/internal/manifest"
	"github.com/provide-io/kiln/internal/platform"
	"github.com/provide-io/kiln/internal/runtime"
	"github.com/provide-io/kiln/internal/store"
	"github.com/provide-io/kiln/pkg/logging"
)

// Version is reported to the game as ${launcher_version}.
const Version = "0.1.0"

// Option configures an Engine.
type Option func(*options)

type options struct {
	client   *http.Client
	platform *platform.Platform
	source   manifest.Source
	logger   hclog.Logger
}

// WithHTTPClient sets the client used for registries, loader metadata and
// downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithPlatform evaluates rules for p instead of the host.
func WithPlatform(p platform.Platform) Option {
	return func(o *options) {
		o.platform = &p
	}
}

// WithSource replaces the registry-backed version source.
func WithSource(src manifest.Source) Option {
	return func(o *options) {
		o.source = src
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Engine owns one set of collaborators built from a Config. The content
// store is shared by every instance the engine manages.
type Engine struct {
	cfg      config.Config
	platform platform.Platform
	logger   hclog.Logger

	store     *store.Store
	metrics   *download.PrometheusMetricsCollector
	downloads *download.Orchestrator
	source    manifest.Source
	resolver  *manifest.Resolver
	loaders   *loader.Installer
	runtimes  *runtime.Selector
	instances *instance.Manager
}

// New builds an engine from cfg. Close releases the store.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	o := options{client: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNull(o.logger).Named("engine")

	p := platform.Current()
	if o.platform != nil {
		p = *o.platform
	}

	st, err := store.Open(cfg.StoreDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening content store: %w", err)
	}

	metrics := download.NewPrometheusMetricsCollector("kiln")
	dlOpts := []download.Option{
		download.WithFetcher(download.NewHTTPFetcher(o.client, cfg.Downloads.UserAgent)),
		download.WithMetrics(metrics),
		download.WithLogger(logger),
	}
	if cfg.Downloads.Workers > 0 {
		dlOpts = append(dlOpts, download.WithWorkers(cfg.Downloads.Workers))
	}
	if cfg.Downloads.MaxAttempts > 0 {
		dlOpts = append(dlOpts, download.WithMaxAttempts(cfg.Downloads.MaxAttempts))
	}
	if cfg.Downloads.RequestsPerSecond > 0 {
		dlOpts = append(dlOpts, download.WithRateLimit(cfg.Downloads.RequestsPerSecond, cfg.Downloads.Burst))
	}
	downloads := download.New(st, dlOpts...)

	source := o.source
	if source == nil {
		ttl, err := cfg.Registry.TTL()
		if err != nil {
			st.Close()
			return nil, err
		}
		regOpts := []manifest.RegistryOption{
			manifest.WithHTTPClient(o.client),
			manifest.WithCacheDir(cfg.VersionsDir()),
			manifest.WithRegistryLogger(logger),
		}
		if cfg.Registry.IndexURL != "" {
			regOpts = append(regOpts, manifest.WithIndexURL(cfg.Registry.IndexURL))
		}
		if ttl > 0 {
			regOpts = append(regOpts, manifest.WithIndexTTL(ttl))
		}
		source = manifest.ChainSource{
			manifest.DirSource{Dir: cfg.VersionsDir()},
			manifest.NewRegistrySource(regOpts...),
		}
	}

	catalog, err := loadCatalog(cfg.Runtime.Catalog)
	if err != nil {
		st.Close()
		return nil, err
	}
	runtimes, err := runtime.NewSelector(cfg.RuntimesDir(), downloads,
		runtime.WithCatalog(catalog),
		runtime.WithSearchPaths(cfg.Runtime.SearchPaths...),
		runtime.WithJavaHome(cfg.Runtime.JavaHome()),
		runtime.WithComponents(cfg.Runtime.ComponentsURL),
		runtime.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		platform:  p,
		logger:    logger,
		store:     st,
		metrics:   metrics,
		downloads: downloads,
		source:    source,
		resolver:  manifest.NewResolver(source, p, logger),
		loaders: loader.NewInstaller(downloads, o.client, loader.Endpoints{
			FabricMeta:    cfg.Loaders.FabricMeta,
			QuiltMeta:     cfg.Loaders.QuiltMeta,
			ForgeMaven:    cfg.Loaders.ForgeMaven,
			NeoForgeMaven: cfg.Loaders.NeoForgeMaven,
			NeoForgeAPI:   cfg.Loaders.NeoForgeAPI,
		}, logger),
		runtimes:  runtimes,
		instances: instance.NewManager(cfg.InstancesDir(), logger),
	}
	logger.Debug("✅ Engine ready", "data_dir", cfg.DataDir, "cache_dir", cfg.CacheDir, "platform", p.String())
	return e, nil
}

func loadCatalog(path string) (*runtime.Catalog, error) {
	if path == "" {
		return runtime.DefaultCatalog()
	}
	c, err := runtime.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("loading runtime catalog: %w", err)
	}
	return c, nil
}

// Close releases the content store.
func (e *Engine) Close() error {
	return e.store.Close()
}

func (e *Engine) Config() config.Config { return e.cfg }
func (e *Engine) Platform() platform.Platform { return e.platform }
func (e *Engine) Store() *store.Store { return e.store }
func (e *Engine) Resolver() *manifest.Resolver { return e.resolver }
func (e *Engine) Runtimes() *runtime.Selector { return e.runtimes }
func (e *Engine) Instances() *instance.Manager { return e.instances }
func (e *Engine) Downloads() *download.Orchestrator { return e.downloads }

// WriteMetrics writes download metrics in the node exporter textfile format.
func (e *Engine) WriteMetrics(path string) error {
	return e.metrics.WriteTextfile(path)
}

// gcTempAge is how old an abandoned temporary file must be before GC removes
// it; younger files may belong to a transfer in flight.
const gcTempAge = time.Hour
