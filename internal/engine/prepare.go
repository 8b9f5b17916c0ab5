package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/provide-io/kiln/internal/download"
	"github.com/provide-io/kiln/internal/instance"
	"github.com/provide-io/kiln/internal/launch"
	"github.com/provide-io/kiln/internal/manifest"
	"github.com/provide-io/kiln/internal/runtime"
	"github.com/provide-io/kiln/internal/store"
)

// legacyJavaMajor is assumed for documents that predate javaVersion.
const legacyJavaMajor = 8

// Stages reported to progress callbacks.
const (
	StageLibraries = "libraries"
	StageAssets    = "assets"
)

// Prepared is an instance whose artifacts are present and verified, with
// the runtime it will launch on.
type Prepared struct {
	Instance *instance.Instance
	Manifest *manifest.Manifest
	Runtime  runtime.Binary
	Layout   launch.Layout
}

// PrepareOption configures Prepare.
type PrepareOption func(*prepareOptions)

type prepareOptions struct {
	progress func(stage string, p download.Progress)
}

// WithProgress receives batch progress for each stage. Intermediate states
// may be dropped; the last call of a stage has Done set.
func WithProgress(fn func(stage string, p download.Progress)) PrepareOption {
	return func(o *prepareOptions) {
		o.progress = fn
	}
}

// Prepare downloads everything an instance needs, selects or provisions
// its runtime and extracts natives. The stored objects are recorded as held
// by the instance.
func (e *Engine) Prepare(ctx context.Context, name string, opts ...PrepareOption) (*Prepared, error) {
	var o prepareOptions
	for _, opt := range opts {
		opt(&o)
	}

	inst, err := e.instances.Load(name)
	if err != nil {
		return nil, err
	}
	m, err := e.Manifest(ctx, inst)
	if err != nil {
		return nil, err
	}
	layout := e.layout(inst, m)

	tasks, err := e.plan(ctx, m, layout)
	if err != nil {
		return nil, err
	}
	if err := e.run(ctx, StageLibraries, tasks, o); err != nil {
		return nil, err
	}

	assets, err := e.assetTasks(m)
	if err != nil {
		return nil, err
	}
	if err := e.run(ctx, StageAssets, assets, o); err != nil {
		return nil, err
	}

	sums := make([]store.Checksum, 0, len(tasks)+len(assets))
	for _, t := range append(tasks, assets...) {
		sums = append(sums, t.Checksum)
	}
	if err := e.store.Refs().Retain(ctx, refOwner(name), sums); err != nil {
		return nil, fmt.Errorf("recording stored objects: %w", err)
	}

	bin, err := e.selectRuntime(ctx, inst, m)
	if err != nil {
		return nil, err
	}

	n, err := launch.ExtractNatives(m, layout, e.logger)
	if err != nil {
		return nil, err
	}

	e.logger.Info("✅ Instance prepared", "instance", name, "manifest", m.ID,
		"artifacts", len(tasks), "assets", len(assets), "natives", n, "java", bin.Path)
	return &Prepared{Instance: inst, Manifest: m, Runtime: bin, Layout: layout}, nil
}

func (e *Engine) run(ctx context.Context, stage string, tasks []download.Task, o prepareOptions) error {
	if len(tasks) == 0 {
		return nil
	}
	batch := e.downloads.Start(ctx, tasks)
	if o.progress != nil {
		for p := range batch.Progress() {
			o.progress(stage, p)
		}
	}
	if err := batch.Wait(); err != nil {
		return fmt.Errorf("downloading %s: %w", stage, err)
	}
	return nil
}

func (e *Engine) layout(inst *instance.Instance, m *manifest.Manifest) launch.Layout {
	layout := launch.Layout{
		GameDir:      inst.Paths.GameDir(),
		LibrariesDir: inst.Paths.Libraries(),
		NativesDir:   inst.Paths.Natives(),
		AssetsDir:    e.cfg.AssetsDir(),
		ClientJar:    inst.Paths.ClientJar(m.GameVersion()),
	}
	if m.Logging != nil && m.Logging.File.URL != "" {
		layout.LoggingConfig = filepath.Join(layout.AssetsDir, "log_configs", m.Logging.File.ID)
	}
	return layout
}

// plan lists the libraries, client jar, asset index and logging
// configuration of m. Libraries without a published checksum get one from
// their Maven sidecar.
func (e *Engine) plan(ctx context.Context, m *manifest.Manifest, layout launch.Layout) ([]download.Task, error) {
	var tasks []download.Task
	seen := make(map[string]bool)

	for _, lib := range m.Libraries {
		if lib.URL == "" {
			e.logger.Warn("⚠️ Library has no download and must already be present", "library", lib.Name)
			continue
		}
		if seen[lib.Path] {
			continue
		}
		seen[lib.Path] = true

		sum, err := e.libraryChecksum(ctx, lib)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, download.Task{
			ID:       lib.Name,
			URL:      lib.URL,
			Checksum: sum,
			Size:     lib.Size,
			Dest:     filepath.Join(layout.LibrariesDir, filepath.FromSlash(lib.Path)),
		})
	}

	add := func(id, url, sha1 string, size int64, dest string) error {
		sum, err := store.SHA1Sum(sha1)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		tasks = append(tasks, download.Task{ID: id, URL: url, Checksum: sum, Size: size, Dest: dest})
		return nil
	}

	if jar := m.ClientJar; jar != nil && jar.URL != "" {
		if err := add("client-"+m.GameVersion(), jar.URL, jar.SHA1, jar.Size, layout.ClientJar); err != nil {
			return nil, err
		}
	}

	if ai := m.AssetIndex; ai != nil && ai.URL != "" {
		if err := add("asset-index-"+ai.ID, ai.URL, ai.SHA1, ai.Size, assetIndexPath(layout.AssetsDir, ai.ID)); err != nil {
			return nil, err
		}
	}

	if layout.LoggingConfig != "" {
		f := m.Logging.File
		if err := add("logging-"+f.ID, f.URL, f.SHA1, f.Size, layout.LoggingConfig); err != nil {
			return nil, err
		}
	}

	e.logger.Debug("📦 Planned downloads", "manifest", m.ID, "tasks", len(tasks))
	return tasks, nil
}

func (e *Engine) libraryChecksum(ctx context.Context, lib manifest.ResolvedLibrary) (store.Checksum, error) {
	if lib.SHA1 != "" {
		sum, err := store.SHA1Sum(lib.SHA1)
		if err != nil {
			return store.Checksum{}, fmt.Errorf("library %s: %w", lib.Name, err)
		}
		return sum, nil
	}
	sum, err := e.downloads.ResolveSidecar(ctx, lib.URL)
	if err != nil {
		return store.Checksum{}, fmt.Errorf("library %s: %w", lib.Name, err)
	}
	return sum, nil
}

func assetIndexPath(assetsDir, id string) string {
	return filepath.Join(assetsDir, "indexes", id+".json")
}

type assetIndex struct {
	Objects map[string]assetObject `json:"objects"`
}

type assetObject struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// assetTasks reads the stored asset index of m and lists its objects, once
// per hash, in hash order.
func (e *Engine) assetTasks(m *manifest.Manifest) ([]download.Task, error) {
	ai := m.AssetIndex
	if ai == nil || ai.URL == "" {
		return nil, nil
	}
	indexSum, err := store.SHA1Sum(ai.SHA1)
	if err != nil {
		return nil, fmt.Errorf("asset index %s: %w", ai.ID, err)
	}
	data, err := e.store.ReadFile(indexSum)
	if err != nil {
		return nil, fmt.Errorf("reading asset index %s: %w", ai.ID, err)
	}
	var idx assetIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing asset index %s: %w", ai.ID, err)
	}

	objects := make(map[string]assetObject, len(idx.Objects))
	sums := make(map[string]store.Checksum, len(idx.Objects))
	for name, obj := range idx.Objects {
		sum, err := store.SHA1Sum(obj.Hash)
		if err != nil {
			return nil, fmt.Errorf("asset index %s: object %s: %w", ai.ID, name, err)
		}
		objects[sum.Hex] = obj
		sums[sum.Hex] = sum
	}
	hashes := make([]string, 0, len(objects))
	for h := range objects {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	base := strings.TrimRight(e.cfg.Registry.ResourcesURL, "/")
	objectsDir := filepath.Join(e.cfg.AssetsDir(), "objects")
	tasks := make([]download.Task, 0, len(hashes))
	for _, h := range hashes {
		tasks = append(tasks, download.Task{
			ID:       "asset-" + h,
			URL:      base + "/" + h[:2] + "/" + h,
			Checksum: sums[h],
			Size:     objects[h].Size,
			Dest:     filepath.Join(objectsDir, h[:2], h),
		})
	}
	return tasks, nil
}

func (e *Engine) selectRuntime(ctx context.Context, inst *instance.Instance, m *manifest.Manifest) (runtime.Binary, error) {
	if inst.Config.JavaOverride != "" {
		return e.runtimes.Override(inst.Config.JavaOverride, e.platform)
	}
	major := m.JavaMajor
	if major == 0 {
		major = legacyJavaMajor
	}
	return e.runtimes.SelectComponent(ctx, m.JavaComponent, major, e.platform)
}
