package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/provide-io/kiln/internal/instance"
	"github.com/provide-io/kiln/internal/loader"
	"github.com/provide-io/kiln/internal/manifest"
	"github.com/provide-io/kiln/internal/store"
)

// CreateRequest describes a new instance.
type CreateRequest struct {
	Name    string
	Version string
	Loader  loader.Variant

	// MemoryMB of zero inherits the launcher default.
	MemoryMB     int
	JavaOverride string
}

// modTypes are the loader names stored in config.json.
var modTypes = map[loader.Kind]string{
	loader.None:     "Vanilla",
	loader.Fabric:   "Fabric",
	loader.Quilt:    "Quilt",
	loader.Forge:    "Forge",
	loader.NeoForge: "NeoForge",
}

func refOwner(name string) string {
	return "instance:" + name
}

// loaderOwner holds what a loader installer used, apart from the objects
// the instance launches with.
func loaderOwner(name string) string {
	return "loader:" + name
}

// CreateInstance resolves req.Version, creates the instance directory and
// installs the requested loader. Nothing is left on disk when any step
// fails.
func (e *Engine) CreateInstance(ctx context.Context, req CreateRequest) (*instance.Instance, error) {
	if err := instance.ValidateName(req.Name); err != nil {
		return nil, err
	}

	base, err := e.resolver.Resolve(ctx, req.Version)
	if err != nil {
		return nil, err
	}
	details, err := e.source.Fetch(ctx, req.Version)
	if err != nil {
		return nil, fmt.Errorf("reading version document %s: %w", req.Version, err)
	}

	memory := req.MemoryMB
	if memory <= 0 {
		memory = e.cfg.Defaults.MemoryMB
	}
	inst, err := e.instances.Create(req.Name, instance.Config{
		Version:      req.Version,
		RAMInMB:      memory,
		JavaOverride: req.JavaOverride,
	})
	if err != nil {
		return nil, err
	}

	if err := inst.SaveDetails(details); err != nil {
		e.instances.Delete(req.Name)
		return nil, fmt.Errorf("saving version details: %w", err)
	}
	if !req.Loader.IsNone() {
		if err := e.installLoader(ctx, inst, base, req.Loader); err != nil {
			e.instances.Delete(req.Name)
			return nil, err
		}
	}
	return inst, nil
}

// InstallLoader installs (or replaces) the loader of an existing instance.
// The loader document is persisted so later launches need no network
// access for it.
func (e *Engine) InstallLoader(ctx context.Context, name string, v loader.Variant) (*instance.Instance, error) {
	inst, err := e.instances.Load(name)
	if err != nil {
		return nil, err
	}
	if v.IsNone() {
		return inst, e.uninstallLoader(ctx, inst)
	}
	base, err := e.resolver.Resolve(ctx, inst.Config.Version)
	if err != nil {
		return nil, err
	}
	if err := e.installLoader(ctx, inst, base, v); err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *Engine) installLoader(ctx context.Context, inst *instance.Instance, base *manifest.Manifest, v loader.Variant) error {
	r, err := e.loaders.Resolve(ctx, base, v)
	if err != nil {
		return err
	}
	// resolving now surfaces a broken overlay before anything is saved
	merged, err := loader.ApplyDocument(base, r.Document)
	if err != nil {
		return err
	}

	var sums []store.Checksum
	if r.Processors {
		bin, err := e.selectRuntime(ctx, inst, merged)
		if err != nil {
			return err
		}
		details, err := inst.Details()
		if err != nil {
			return fmt.Errorf("reading version details: %w", err)
		}
		sums, err = e.loaders.RunProcessors(ctx, r, loader.ProcessorRun{
			Java:         bin.Path,
			Dir:          inst.Paths.Root,
			Base:         base,
			BaseDocument: details,
		})
		if err != nil {
			return err
		}
	} else if !r.Installer.IsZero() {
		sums = []store.Checksum{r.Installer}
	}

	data, err := json.MarshalIndent(r.Document, "", "  ")
	if err != nil {
		return err
	}
	if err := inst.SaveLoader(data); err != nil {
		return fmt.Errorf("saving loader document: %w", err)
	}

	inst.Config.ModType = modTypes[r.Variant.Kind]
	inst.Config.ModTypeInfo = &instance.ModTypeInfo{Version: r.Variant.Version}
	if err := e.instances.Save(inst); err != nil {
		return err
	}
	if err := e.store.Refs().Retain(ctx, loaderOwner(inst.Name), sums); err != nil {
		return fmt.Errorf("recording loader objects: %w", err)
	}
	e.logger.Info("✅ Installed loader", "instance", inst.Name, "loader", r.Variant.String(), "processors", r.Processors)
	return nil
}

// UninstallLoader returns an instance to the plain game version.
func (e *Engine) UninstallLoader(ctx context.Context, name string) (*instance.Instance, error) {
	inst, err := e.instances.Load(name)
	if err != nil {
		return nil, err
	}
	return inst, e.uninstallLoader(ctx, inst)
}

func (e *Engine) uninstallLoader(ctx context.Context, inst *instance.Instance) error {
	if err := inst.RemoveLoader(); err != nil {
		return err
	}
	inst.Config.ModType = modTypes[loader.None]
	inst.Config.ModTypeInfo = nil
	if err := e.instances.Save(inst); err != nil {
		return err
	}
	if err := e.store.Refs().Release(ctx, loaderOwner(inst.Name)); err != nil {
		return err
	}
	e.logger.Info("🧹 Removed loader", "instance", inst.Name)
	return nil
}

// Manifest returns the merged manifest an instance launches with: its base
// version plus the persisted loader document, if any.
func (e *Engine) Manifest(ctx context.Context, inst *instance.Instance) (*manifest.Manifest, error) {
	base, err := e.resolver.Resolve(ctx, inst.Config.Version)
	if err != nil {
		return nil, err
	}
	data, ok, err := inst.Loader()
	if err != nil {
		return nil, fmt.Errorf("reading loader document: %w", err)
	}
	if !ok {
		return base, nil
	}
	doc, err := manifest.ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", inst.Paths.LoaderFile(), err)
	}
	return loader.ApplyDocument(base, doc)
}

// ResolveVersion resolves id for the engine platform, overlaying v when it
// names a loader. Nothing is written to any instance.
func (e *Engine) ResolveVersion(ctx context.Context, id string, v loader.Variant) (*manifest.Manifest, error) {
	base, err := e.resolver.Resolve(ctx, id)
	if err != nil || v.IsNone() {
		return base, err
	}
	return e.loaders.Apply(ctx, base, v)
}

// DeleteInstance removes an instance and drops its hold on stored objects.
// The objects themselves stay until GC.
func (e *Engine) DeleteInstance(ctx context.Context, name string) error {
	if err := e.instances.Delete(name); err != nil {
		return err
	}
	if err := e.store.Refs().Release(ctx, loaderOwner(name)); err != nil {
		return err
	}
	return e.store.Refs().Release(ctx, refOwner(name))
}

// ListInstances returns the instance names, sorted.
func (e *Engine) ListInstances() ([]string, error) {
	return e.instances.List()
}

// GC removes stored objects no instance holds. References of instances
// whose directory is gone are released first.
func (e *Engine) GC(ctx context.Context) (store.GCResult, error) {
	if err := e.releaseOrphans(ctx); err != nil {
		return store.GCResult{}, err
	}
	return e.store.GC(ctx, gcTempAge)
}

func (e *Engine) releaseOrphans(ctx context.Context) error {
	owners, err := e.store.Refs().Owners(ctx)
	if err != nil {
		return err
	}
	names, err := e.instances.List()
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(names))
	for _, name := range names {
		live[name] = true
	}

	for _, owner := range owners {
		kind, name, ok := strings.Cut(owner, ":")
		if !ok || (kind != "instance" && kind != "loader") || live[name] {
			continue
		}
		e.logger.Info("🧹 Releasing references of missing instance", "owner", owner)
		if err := e.store.Refs().Release(ctx, owner); err != nil {
			return err
		}
	}
	return nil
}
