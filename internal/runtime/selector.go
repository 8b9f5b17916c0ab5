// Package runtime selects an installed Java runtime for a manifest or
// provisions one from the runtime catalog.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/kiln/internal/archive"
	_ "github.com/provide-io/kiln/internal/archive/bundle"
	_ "github.com/provide-io/kiln/internal/archive/compress"
	"github.com/provide-io/kiln/internal/download"
	"github.com/provide-io/kiln/internal/kilnerr"
	"github.com/provide-io/kiln/internal/platform"
	"github.com/provide-io/kiln/internal/store"
	"github.com/provide-io/kiln/internal/workenv"
	"github.com/provide-io/kiln/pkg/logging"
)

// Origin records where a Binary came from.
type Origin string

const (
	OriginInstalled   Origin = "installed"
	OriginProvisioned Origin = "provisioned"
	OriginOverride    Origin = "override"
)

const markerName = "java"

// Binary is a Java executable and the runtime home it belongs to.
type Binary struct {
	Major    int
	Version  string
	Platform platform.Platform
	Path     string
	Home     string
	Origin   Origin
}

// Option configures a Selector.
type Option func(*Selector)

// WithCatalog replaces the embedded catalog.
func WithCatalog(c *Catalog) Option {
	return func(s *Selector) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithSearchPaths adds directories holding runtime homes, or runtime homes
// themselves, to the installed scan.
func WithSearchPaths(paths ...string) Option {
	return func(s *Selector) {
		s.searchPaths = append(s.searchPaths, paths...)
	}
}

// WithJavaHome controls whether JAVA_HOME takes part in the installed scan.
func WithJavaHome(enabled bool) Option {
	return func(s *Selector) {
		s.javaHome = enabled
	}
}

// WithComponents enables provisioning the runtimes published for the game,
// listed at url, ahead of the catalog.
func WithComponents(url string) Option {
	return func(s *Selector) {
		s.componentsURL = url
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(s *Selector) {
		s.logger = logger
	}
}

// Selector finds or provisions Java runtimes under a runtime store root.
type Selector struct {
	root        string
	downloads   *download.Orchestrator
	catalog     *Catalog
	searchPaths []string
	javaHome    bool
	logger      hclog.Logger

	// componentsURL lists the game runtime components. Empty disables them.
	componentsURL string

	// serializes provisioning within this process; the lock file covers
	// other processes
	mu sync.Mutex
}

// NewSelector builds a selector that installs into root.
func NewSelector(root string, downloads *download.Orchestrator, opts ...Option) (*Selector, error) {
	s := &Selector{
		root:      root,
		downloads: downloads,
		javaHome:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNull(s.logger).Named("runtime")

	if s.catalog == nil {
		c, err := DefaultCatalog()
		if err != nil {
			return nil, err
		}
		s.catalog = c
	}
	return s, nil
}

// Root returns the runtime store directory.
func (s *Selector) Root() string {
	return s.root
}

// Catalog returns the provisioning catalog.
func (s *Selector) Catalog() *Catalog {
	return s.catalog
}

// Select returns a runtime of at least minMajor, preferring installed
// runtimes (exact major first, then the smallest newer) and provisioning
// one otherwise.
func (s *Selector) Select(ctx context.Context, minMajor int, p platform.Platform) (Binary, error) {
	return s.SelectComponent(ctx, "", minMajor, p)
}

// SelectComponent is Select for a manifest naming its runtime component.
// The component only matters when a runtime has to be provisioned.
func (s *Selector) SelectComponent(ctx context.Context, component string, minMajor int, p platform.Platform) (Binary, error) {
	s.logger.Debug("🔍 Selecting Java runtime", "min_major", minMajor, "component", component, "platform", p.String())

	if b, ok := pick(s.Installed(p), minMajor); ok {
		s.logger.Info("✅ Using installed Java runtime", "major", b.Major, "path", b.Path)
		return b, nil
	}
	return s.ProvisionComponent(ctx, component, minMajor, p)
}

// Override builds a Binary for an explicitly configured java executable.
func (s *Selector) Override(javaPath string, p platform.Platform) (Binary, error) {
	info, err := os.Stat(javaPath)
	if err != nil {
		return Binary{}, fmt.Errorf("runtime override %s: %w", javaPath, err)
	}
	home := filepath.Dir(filepath.Dir(javaPath))
	if info.IsDir() {
		bin, binHome, ok := locateBinary(javaPath, p)
		if !ok {
			return Binary{}, fmt.Errorf("runtime override %s: no java executable found", javaPath)
		}
		javaPath, home = bin, binHome
	}

	major, version := readRelease(home)
	return Binary{
		Major:    major,
		Version:  version,
		Platform: p,
		Path:     javaPath,
		Home:     home,
		Origin:   OriginOverride,
	}, nil
}

// Installed lists runtimes found in the runtime store, JAVA_HOME and the
// search paths. Runtimes whose major cannot be read are skipped.
func (s *Selector) Installed(p platform.Platform) []Binary {
	var found []Binary
	seen := make(map[string]bool)
	add := func(b Binary) {
		if seen[b.Path] {
			return
		}
		seen[b.Path] = true
		found = append(found, b)
	}

	entries, _ := os.ReadDir(s.root)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "java-") {
			continue
		}
		major, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "java-"))
		if err != nil {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		if !workenv.IsValid(dir, markerName, strconv.Itoa(major), "", nil) {
			s.logger.Debug("⚠️ Ignoring incomplete runtime", "dir", dir)
			continue
		}
		bin, home, ok := locateBinary(dir, p)
		if !ok {
			continue
		}
		_, version := readRelease(home)
		add(Binary{Major: major, Version: version, Platform: p, Path: bin, Home: home, Origin: OriginInstalled})
	}

	var homes []string
	if s.javaHome {
		if jh := os.Getenv("JAVA_HOME"); jh != "" {
			homes = append(homes, jh)
		}
	}
	for _, sp := range s.searchPaths {
		homes = append(homes, sp)
		children, _ := os.ReadDir(sp)
		for _, c := range children {
			if c.IsDir() {
				homes = append(homes, filepath.Join(sp, c.Name()))
			}
		}
	}
	for _, h := range homes {
		bin, home, ok := locateBinary(h, p)
		if !ok {
			continue
		}
		major, version := readRelease(home)
		if major == 0 {
			continue
		}
		add(Binary{Major: major, Version: version, Platform: p, Path: bin, Home: home, Origin: OriginInstalled})
	}

	return found
}

// pick prefers the exact major, then the smallest newer one.
func pick(bins []Binary, minMajor int) (Binary, bool) {
	candidates := make([]Binary, 0, len(bins))
	for _, b := range bins {
		if b.Major >= minMajor {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return Binary{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Major < candidates[j].Major
	})
	return candidates[0], true
}

// Provision downloads and installs a runtime of at least minMajor for p.
func (s *Selector) Provision(ctx context.Context, minMajor int, p platform.Platform) (Binary, error) {
	return s.ProvisionComponent(ctx, "", minMajor, p)
}

// ProvisionComponent installs a runtime of at least minMajor for p. The
// published game runtime named by component, or the one shipping minMajor,
// is tried first and the catalog after it.
func (s *Selector) ProvisionComponent(ctx context.Context, component string, minMajor int, p platform.Platform) (Binary, error) {
	sources := s.sources(component, minMajor, p)
	if len(sources) == 0 {
		return Binary{}, kilnerr.UnsupportedPlatform(p.String(), minMajor)
	}

	var err error
	for i, src := range sources {
		var b Binary
		if b, err = s.provisionFrom(ctx, src, p); err == nil {
			return b, nil
		}
		if ctx.Err() != nil || i == len(sources)-1 {
			break
		}
		s.logger.Warn("⚠️ Runtime source failed, trying the next one", "source", src.name, "error", err)
	}
	return Binary{}, err
}

// source is one way to install a runtime of a given major.
type source struct {
	name  string
	major int

	// fetch fills staging and returns the stored objects it used. The
	// first one identifies the install.
	fetch func(ctx context.Context, staging string) ([]store.Checksum, error)
}

func (s *Selector) sources(component string, minMajor int, p platform.Platform) []source {
	var out []source
	if src, ok := s.componentSource(component, minMajor, p); ok {
		out = append(out, src)
	}
	if major, arc, ok := s.catalog.Lookup(minMajor, p); ok {
		out = append(out, source{
			name:  "catalog " + arc.URL,
			major: major,
			fetch: func(ctx context.Context, staging string) ([]store.Checksum, error) {
				return s.fetchArchive(ctx, major, arc, staging, p)
			},
		})
	}
	return out
}

func (s *Selector) provisionFrom(ctx context.Context, src source, p platform.Platform) (Binary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := filepath.Join(s.root, fmt.Sprintf("java-%d", src.major))
	lock := filepath.Join(s.root, fmt.Sprintf(".java-%d.lock", src.major))

	for {
		if b, ok := s.installed(dest, src.major, p); ok {
			return b, nil
		}

		acquired, err := workenv.TryAcquireLock(lock, s.logger)
		if err != nil {
			return Binary{}, fmt.Errorf("locking runtime install: %w", err)
		}
		if acquired {
			break
		}
		s.logger.Info("⏳ Another process is installing this runtime, waiting", "major", src.major)
		if err := workenv.WaitForRelease(ctx, lock, s.logger); err != nil {
			return Binary{}, err
		}
	}
	defer workenv.ReleaseLock(lock, s.logger)

	// the previous holder may have finished while we waited
	if b, ok := s.installed(dest, src.major, p); ok {
		return b, nil
	}

	return s.install(ctx, src, dest, p)
}

func (s *Selector) installed(dest string, major int, p platform.Platform) (Binary, bool) {
	if !workenv.IsValid(dest, markerName, strconv.Itoa(major), "", nil) {
		return Binary{}, false
	}
	bin, home, ok := locateBinary(dest, p)
	if !ok {
		return Binary{}, false
	}
	_, version := readRelease(home)
	return Binary{Major: major, Version: version, Platform: p, Path: bin, Home: home, Origin: OriginInstalled}, true
}

// runtimeOwner holds the stored objects of one installed runtime.
func runtimeOwner(dest string) string {
	return "runtime:" + filepath.Base(dest)
}

func (s *Selector) install(ctx context.Context, src source, dest string, p platform.Platform) (Binary, error) {
	if s.downloads == nil {
		return Binary{}, errors.New("runtime provisioning requires a download orchestrator")
	}

	staging := dest + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return Binary{}, fmt.Errorf("clearing staging directory: %w", err)
	}
	sums, err := src.fetch(ctx, staging)
	if err != nil {
		workenv.MarkIncomplete(staging, err.Error())
		return Binary{}, err
	}

	if _, _, ok := locateBinary(staging, p); !ok {
		os.RemoveAll(staging)
		return Binary{}, fmt.Errorf("java %d from %s has no java executable for %s", src.major, src.name, p)
	}

	if err := os.RemoveAll(dest); err != nil {
		return Binary{}, fmt.Errorf("replacing %s: %w", dest, err)
	}
	if err := os.Rename(staging, dest); err != nil {
		return Binary{}, fmt.Errorf("installing %s: %w", dest, err)
	}
	if err := workenv.MarkComplete(dest, markerName, strconv.Itoa(src.major), sums[0].String()); err != nil {
		return Binary{}, fmt.Errorf("marking %s complete: %w", dest, err)
	}
	if err := s.downloads.Store().Refs().Retain(ctx, runtimeOwner(dest), sums); err != nil {
		return Binary{}, fmt.Errorf("recording runtime objects: %w", err)
	}

	b, ok := s.installed(dest, src.major, p)
	if !ok {
		return Binary{}, fmt.Errorf("java %d installed but not usable", src.major)
	}
	b.Origin = OriginProvisioned
	s.logger.Info("✅ Java runtime ready", "major", src.major, "source", src.name, "path", b.Path)
	return b, nil
}

// fetchArchive downloads a catalog archive and unpacks it into staging.
func (s *Selector) fetchArchive(ctx context.Context, major int, arc Archive, staging string, p platform.Platform) ([]store.Checksum, error) {
	format, err := archiveFormat(arc)
	if err != nil {
		return nil, err
	}
	sum, err := s.archiveChecksum(ctx, arc)
	if err != nil {
		return nil, err
	}

	s.logger.Info("📦 Provisioning Java runtime", "major", major, "platform", p.String(), "url", arc.URL)
	task := download.Task{
		ID:       fmt.Sprintf("java-%d-%s", major, p.String()),
		URL:      arc.URL,
		Checksum: sum,
	}
	if err := s.downloads.Run(ctx, []download.Task{task}); err != nil {
		return nil, err
	}

	stored, err := s.downloads.Store().Path(sum)
	if err != nil {
		return nil, err
	}
	n, err := archive.ExtractFile(stored, format, staging, archive.Options{})
	if err != nil {
		return nil, fmt.Errorf("extracting Java %d: %w", major, err)
	}
	s.logger.Debug("📦 Extracted runtime archive", "entries", n)
	return []store.Checksum{sum}, nil
}

func (s *Selector) archiveChecksum(ctx context.Context, arc Archive) (store.Checksum, error) {
	if arc.Checksum != "" {
		return store.ParseChecksum(arc.Checksum)
	}
	if arc.ChecksumURL == "" {
		return store.Checksum{}, fmt.Errorf("runtime archive %s has no checksum", arc.URL)
	}
	algo, err := store.ParseAlgorithm(s.catalog.ChecksumAlgorithm)
	if err != nil {
		return store.Checksum{}, err
	}
	return s.downloads.ResolveChecksumURL(ctx, arc.ChecksumURL, algo)
}

func archiveFormat(arc Archive) (archive.Format, error) {
	if arc.Format != "" {
		return archive.ParseFormat(arc.Format)
	}
	name := arc.URL
	if u, err := url.Parse(arc.URL); err == nil {
		name = path.Base(u.Path)
	}
	return archive.FormatFromFilename(name)
}

// binaryLayouts are the places a runtime archive keeps its java executable,
// relative to the runtime home or one directory below it.
var binaryLayouts = []string{
	"bin/java",
	"Contents/Home/bin/java",
	"jre.bundle/Contents/Home/bin/java",
}

// locateBinary finds the java executable under dir and returns it with the
// home directory its release file lives in.
func locateBinary(dir string, p platform.Platform) (string, string, bool) {
	if bin, home, ok := matchLayouts(dir, p); ok {
		return bin, home, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", false
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if bin, home, ok := matchLayouts(filepath.Join(dir, e.Name()), p); ok {
			return bin, home, true
		}
	}
	return "", "", false
}

func matchLayouts(dir string, p platform.Platform) (string, string, bool) {
	for _, layout := range binaryLayouts {
		bin := filepath.Join(dir, filepath.FromSlash(layout)) + p.ExecutableSuffix()
		info, err := os.Stat(bin)
		if err != nil || info.IsDir() {
			continue
		}
		return bin, filepath.Dir(filepath.Dir(bin)), true
	}
	return "", "", false
}

// readRelease reads JAVA_VERSION from a runtime home's release file and
// returns its major ("1.8.0_392" is 8) and the raw version.
func readRelease(home string) (int, string) {
	data, err := os.ReadFile(filepath.Join(home, "release"))
	if err != nil {
		return 0, ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || key != "JAVA_VERSION" {
			continue
		}
		version := strings.Trim(value, `"' `)
		return MajorOf(version), version
	}
	return 0, ""
}

// MajorOf returns the Java major of a version string, mapping the legacy
// "1.x" scheme to x.
func MajorOf(version string) int {
	parts := strings.FieldsFunc(version, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	if len(parts) == 0 {
		return 0
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	if major == 1 && len(parts) > 1 {
		if legacy, err := strconv.Atoi(parts[1]); err == nil {
			return legacy
		}
	}
	return major
}
