package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/provide-io/kiln/internal/archive"
	"github.com/provide-io/kiln/internal/download"
	"github.com/provide-io/kiln/internal/platform"
	"github.com/provide-io/kiln/internal/store"
)

// maxListingSize bounds the component listing read into memory.
const maxListingSize = 8 << 20

// componentMajors is the Java major each known component ships.
var componentMajors = map[string]int{
	"jre-legacy":                  8,
	"java-runtime-alpha":          16,
	"java-runtime-beta":           17,
	"java-runtime-gamma":          17,
	"java-runtime-gamma-snapshot": 17,
	"java-runtime-delta":          21,
	"java-runtime-epsilon":        25,
}

// componentOrder is the component chosen for a bare major, oldest first.
var componentOrder = []string{
	"jre-legacy",
	"java-runtime-alpha",
	"java-runtime-gamma",
	"java-runtime-delta",
	"java-runtime-epsilon",
}

// componentFallbacks are published in place of a component on platforms
// that lack it.
var componentFallbacks = map[string][]string{
	"java-runtime-gamma": {"java-runtime-gamma-snapshot", "java-runtime-beta"},
}

// componentPlatforms maps platform keys to the listing's.
var componentPlatforms = map[string]string{
	"linux-x86_64":   "linux",
	"linux-x86":      "linux-i386",
	"osx-x86_64":     "mac-os",
	"osx-arm64":      "mac-os-arm64",
	"windows-x86_64": "windows-x64",
	"windows-x86":    "windows-x86",
	"windows-arm64":  "windows-arm64",
}

// componentListing is keyed by listing platform, then component.
type componentListing map[string]map[string][]componentRelease

type componentRelease struct {
	Manifest componentDownload `json:"manifest"`
	Version  struct {
		Name     string `json:"name"`
		Released string `json:"released"`
	} `json:"version"`
}

type componentDownload struct {
	SHA1 string `json:"sha1"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// componentManifest lists every file of one runtime build.
type componentManifest struct {
	Files map[string]componentFile `json:"files"`
}

type componentFile struct {
	Type       string                       `json:"type"`
	Executable bool                         `json:"executable"`
	Target     string                       `json:"target"`
	Downloads  map[string]componentDownload `json:"downloads"`
}

// componentFor returns the component shipping the smallest major at or
// above minMajor.
func componentFor(minMajor int) string {
	for _, c := range componentOrder {
		if componentMajors[c] >= minMajor {
			return c
		}
	}
	return ""
}

func (s *Selector) componentSource(component string, minMajor int, p platform.Platform) (source, bool) {
	if s.componentsURL == "" {
		return source{}, false
	}
	key, ok := componentPlatforms[p.String()]
	if !ok {
		return source{}, false
	}
	if major, known := componentMajors[component]; !known || major < minMajor {
		component = componentFor(minMajor)
	}
	if component == "" {
		return source{}, false
	}
	return source{
		name:  "component " + component,
		major: componentMajors[component],
		fetch: func(ctx context.Context, staging string) ([]store.Checksum, error) {
			return s.fetchComponent(ctx, component, key, staging, p)
		},
	}, true
}

// fetchComponent installs the newest build of component for the listing
// platform key into staging, file by file through the content store.
func (s *Selector) fetchComponent(ctx context.Context, component, key, staging string, p platform.Platform) ([]store.Checksum, error) {
	data, err := s.downloads.FetchDocument(ctx, s.componentsURL, maxListingSize)
	if err != nil {
		return nil, fmt.Errorf("runtime components: %w", err)
	}
	var listing componentListing
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, fmt.Errorf("decoding runtime components: %w", err)
	}

	var (
		rel  componentRelease
		name string
	)
	for _, c := range append([]string{component}, componentFallbacks[component]...) {
		if releases := listing[key][c]; len(releases) > 0 {
			rel, name = releases[0], c
			break
		}
	}
	if name == "" {
		return nil, fmt.Errorf("no %s runtime published for %s", component, key)
	}

	manifestSum, err := store.SHA1Sum(rel.Manifest.SHA1)
	if err != nil {
		return nil, fmt.Errorf("runtime %s manifest: %w", name, err)
	}
	s.logger.Info("📦 Provisioning Java runtime", "component", name, "version", rel.Version.Name, "platform", p.String())
	if err := s.downloads.Run(ctx, []download.Task{{
		ID:       "java-runtime-manifest-" + name,
		URL:      rel.Manifest.URL,
		Checksum: manifestSum,
		Size:     rel.Manifest.Size,
	}}); err != nil {
		return nil, err
	}
	raw, err := s.downloads.Store().ReadFile(manifestSum)
	if err != nil {
		return nil, err
	}
	var files componentManifest
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("decoding runtime %s manifest: %w", name, err)
	}

	sums, err := s.applyComponent(ctx, name, files, staging, p)
	if err != nil {
		return nil, err
	}
	return append([]store.Checksum{manifestSum}, sums...), nil
}

// applyComponent lays files out under staging: directories first, then
// downloaded files, then links. It returns the checksums of the files.
func (s *Selector) applyComponent(ctx context.Context, name string, m componentManifest, staging string, p platform.Platform) ([]store.Checksum, error) {
	paths := make([]string, 0, len(m.Files))
	for rel := range m.Files {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	var (
		tasks       []download.Task
		executables []string
		links       []string
	)
	for _, rel := range paths {
		f := m.Files[rel]
		dest, err := archive.SafeJoin(staging, rel, 0)
		if err != nil {
			return nil, fmt.Errorf("runtime %s: %w", name, err)
		}
		if dest == "" {
			continue
		}
		switch f.Type {
		case "directory":
			if err := os.MkdirAll(dest, store.DirPerms); err != nil {
				return nil, err
			}
		case "file":
			raw, ok := f.Downloads["raw"]
			if !ok {
				return nil, fmt.Errorf("runtime %s: %s has no raw download", name, rel)
			}
			sum, err := store.SHA1Sum(raw.SHA1)
			if err != nil {
				return nil, fmt.Errorf("runtime %s: %s: %w", name, rel, err)
			}
			tasks = append(tasks, download.Task{ID: name + "/" + rel, URL: raw.URL, Checksum: sum, Size: raw.Size, Dest: dest})
			if f.Executable {
				executables = append(executables, dest)
			}
		case "link":
			if path.IsAbs(f.Target) {
				return nil, fmt.Errorf("runtime %s: link %s: %w: %s", name, rel, archive.ErrUnsafePath, f.Target)
			}
			if _, err := archive.SafeJoin(staging, path.Join(path.Dir(rel), f.Target), 0); err != nil {
				return nil, fmt.Errorf("runtime %s: link %s: %w", name, rel, err)
			}
			links = append(links, rel)
		default:
			s.logger.Debug("Skipping runtime entry", "path", rel, "type", f.Type)
		}
	}

	if err := s.downloads.Run(ctx, tasks); err != nil {
		return nil, err
	}
	for _, dest := range executables {
		if err := os.Chmod(dest, 0o755); err != nil {
			return nil, err
		}
	}
	// Windows builds publish no links
	if p.OS != platform.OSWindows {
		for _, rel := range links {
			dest, _ := archive.SafeJoin(staging, rel, 0)
			if err := os.MkdirAll(filepath.Dir(dest), store.DirPerms); err != nil {
				return nil, err
			}
			os.Remove(dest)
			if err := os.Symlink(m.Files[rel].Target, dest); err != nil {
				return nil, fmt.Errorf("runtime %s: link %s: %w", name, rel, err)
			}
		}
	}

	sums := make([]store.Checksum, len(tasks))
	for i, t := range tasks {
		sums[i] = t.Checksum
	}
	s.logger.Debug("📦 Laid out runtime component", "component", name, "files", len(tasks), "links", len(links))
	return sums, nil
}
