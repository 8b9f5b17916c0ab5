package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/provide-io/kiln/internal/download"
	"github.com/provide-io/kiln/internal/kilnerr"
	"github.com/provide-io/kiln/internal/launch"
	"github.com/provide-io/kiln/internal/manifest"
	"github.com/provide-io/kiln/internal/store"
	"github.com/provide-io/kiln/internal/supervisor"
)

// installerFlags select the headless client install of each installer.
var installerFlags = map[Kind]string{
	Forge:    "--installClient",
	NeoForge: "--install-client",
}

// launcherProfiles must exist before an installer accepts a target
// directory.
var launcherProfiles = []string{"launcher_profiles.json", "launcher_profiles_microsoft_store.json"}

// installerLogTail is how many output lines a failed run reports.
const installerLogTail = 20

// ProcessorRun is what running an installer needs.
type ProcessorRun struct {
	// Java runs the installer.
	Java string

	// Dir is the instance root. Installer outputs land in Dir/libraries.
	Dir string

	// Base is the game version the loader installs onto and BaseDocument
	// its raw version document.
	Base         *manifest.Manifest
	BaseDocument []byte
}

// RunProcessors runs the installer of r headlessly against run.Dir, then
// checks that every library the loader lists without a download exists.
// It returns the stored objects the run used. Loaders without processors
// return immediately.
func (i *Installer) RunProcessors(ctx context.Context, r *Resolved, run ProcessorRun) ([]store.Checksum, error) {
	if !r.Processors {
		return nil, nil
	}
	flag, ok := installerFlags[r.Variant.Kind]
	if !ok {
		return nil, fmt.Errorf("%s has no installer to run", r.Variant.Kind)
	}
	if i.downloads == nil {
		return nil, fmt.Errorf("running %s installer: no download orchestrator configured", r.Variant)
	}
	fail := func(err error) error {
		return kilnerr.LoaderInstallFailed(r.Variant.Kind.String(), r.Variant.Version, err)
	}

	work := filepath.Join(run.Dir, ".installer")
	game := run.Base.GameVersion()
	versionsDir := filepath.Join(run.Dir, "versions")
	defer func() {
		os.RemoveAll(work)
		os.RemoveAll(versionsDir)
		for _, name := range launcherProfiles {
			os.Remove(filepath.Join(run.Dir, name))
		}
	}()

	if err := os.RemoveAll(work); err != nil {
		return nil, fail(err)
	}
	jar := filepath.Join(work, strings.ToLower(r.Variant.Kind.String())+"-installer.jar")
	if err := i.downloads.Store().Link(r.Installer, jar); err != nil {
		return nil, fail(fmt.Errorf("staging installer: %w", err))
	}
	sums := []store.Checksum{r.Installer}

	// the installer patches the vanilla client, which it expects in the
	// launcher layout
	gameDir := filepath.Join(versionsDir, game)
	if err := os.MkdirAll(gameDir, store.DirPerms); err != nil {
		return nil, fail(err)
	}
	if err := os.WriteFile(filepath.Join(gameDir, game+".json"), run.BaseDocument, store.FilePerms); err != nil {
		return nil, fail(err)
	}
	if cj := run.Base.ClientJar; cj != nil && cj.URL != "" {
		sum, err := store.SHA1Sum(cj.SHA1)
		if err != nil {
			return nil, fail(fmt.Errorf("client jar: %w", err))
		}
		task := download.Task{ID: "client-" + game, URL: cj.URL, Checksum: sum, Size: cj.Size, Dest: filepath.Join(gameDir, game+".jar")}
		if err := i.downloads.Run(ctx, []download.Task{task}); err != nil {
			return nil, err
		}
		sums = append(sums, sum)
	}
	for _, name := range launcherProfiles {
		if err := os.WriteFile(filepath.Join(run.Dir, name), []byte("{}"), store.FilePerms); err != nil {
			return nil, fail(err)
		}
	}

	i.logger.Info("⚙️ Running loader installer", "loader", r.Variant.String(), "java", run.Java, "dir", run.Dir)
	spec := &launch.Spec{
		Executable: run.Java,
		Args:       []string{"-jar", jar, flag, run.Dir},
		Dir:        work,
	}
	proc, err := supervisor.Start(ctx, spec, supervisor.WithLogger(i.logger))
	if err != nil {
		return nil, fail(err)
	}
	var tail []string
	for line := range proc.Lines() {
		i.logger.Debug("installer", "stream", line.Stream.String(), "line", line.Text)
		tail = append(tail, line.Text)
		if len(tail) > installerLogTail {
			tail = tail[1:]
		}
	}
	if status := proc.Wait(); status.State != supervisor.Exited {
		return nil, fail(fmt.Errorf("installer %s:\n%s", status, strings.Join(tail, "\n")))
	}

	merged, err := ApplyDocument(run.Base, r.Document)
	if err != nil {
		return nil, err
	}
	libraries := filepath.Join(run.Dir, "libraries")
	for _, lib := range merged.Libraries {
		if lib.URL != "" || lib.Path == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(libraries, filepath.FromSlash(lib.Path))); err != nil {
			return nil, fail(fmt.Errorf("installer did not produce %s", lib.Path))
		}
	}

	i.logger.Info("✅ Loader installer finished", "loader", r.Variant.String())
	return sums, nil
}
