package manifest

import (
	"fmt"
	"strings"

	"github.com/provide-io/kiln/internal/platform"
)

// DefaultLibraryBase is used when a library names neither a URL nor a
// repository.
const DefaultLibraryBase = "https://libraries.minecraft.net/"

// ResolvedLibrary is a platform-applicable library with a concrete
// install path and download source.
type ResolvedLibrary struct {
	// Name is the logical name: group:artifact[:classifier], no version.
	Name    string
	Version string

	// Path is the install path relative to the libraries directory, with
	// forward slashes.
	Path string
	URL  string
	SHA1 string
	Size int64

	// Native marks a native classifier jar to unpack into the natives
	// directory rather than put on the classpath.
	Native  bool
	Exclude []string

	rank int
}

// Coordinate is a parsed Maven coordinate.
type Coordinate struct {
	Group      string
	Artifact   string
	Version    string
	Classifier string
	Extension  string
}

// ParseCoordinate parses "group:artifact:version[:classifier][@ext]".
func ParseCoordinate(name string) (Coordinate, error) {
	c := Coordinate{Extension: "jar"}
	if base, ext, ok := strings.Cut(name, "@"); ok {
		name = base
		c.Extension = ext
	}
	parts := strings.Split(name, ":")
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return Coordinate{}, fmt.Errorf("invalid library name %q", name)
	}
	c.Group, c.Artifact, c.Version = parts[0], parts[1], parts[2]
	if len(parts) > 3 {
		c.Classifier = parts[3]
	}
	return c, nil
}

// LogicalName identifies the library independent of its version.
func (c Coordinate) LogicalName() string {
	if c.Classifier != "" {
		return c.Group + ":" + c.Artifact + ":" + c.Classifier
	}
	return c.Group + ":" + c.Artifact
}

// WithClassifier returns a copy with the classifier replaced.
func (c Coordinate) WithClassifier(classifier string) Coordinate {
	c.Classifier = classifier
	return c
}

// MavenPath is the repository-relative path of the artifact.
func (c Coordinate) MavenPath() string {
	file := c.Artifact + "-" + c.Version
	if c.Classifier != "" {
		file += "-" + c.Classifier
	}
	file += "." + c.Extension
	return strings.ReplaceAll(c.Group, ".", "/") + "/" + c.Artifact + "/" + c.Version + "/" + file
}

// LogicalName returns the versionless name of a raw library entry, or the
// raw name when it is not a valid coordinate.
func LogicalName(name string) string {
	c, err := ParseCoordinate(name)
	if err != nil {
		return name
	}
	return c.LogicalName()
}

// resolveLibrary expands one raw entry into the resolved entries it
// contributes on p: the main artifact and, for entries with natives, the
// host's native classifier.
func resolveLibrary(lib Library, p platform.Platform) ([]ResolvedLibrary, error) {
	allowed, rank := Evaluate(lib.Rules, p, nil)
	if !allowed {
		return nil, nil
	}

	coord, err := ParseCoordinate(lib.Name)
	if err != nil {
		return nil, err
	}

	var out []ResolvedLibrary

	var artifact *Artifact
	if lib.Downloads != nil {
		artifact = lib.Downloads.Artifact
	}
	if artifact != nil || len(lib.Natives) == 0 {
		r := ResolvedLibrary{
			Name:    coord.LogicalName(),
			Version: coord.Version,
			Path:    coord.MavenPath(),
			SHA1:    lib.SHA1,
			Size:    lib.Size,
			rank:    rank,
		}
		if artifact != nil {
			if artifact.Path != "" {
				r.Path = artifact.Path
			}
			r.URL = artifact.URL
			if artifact.SHA1 != "" {
				r.SHA1 = artifact.SHA1
			}
			if artifact.Size != 0 {
				r.Size = artifact.Size
			}
		} else {
			r.URL = repositoryURL(lib.URL, r.Path)
		}
		out = append(out, r)
	}

	if classifier, ok := lib.Natives[p.OS]; ok {
		classifier = strings.ReplaceAll(classifier, "${arch}", p.BitnessSuffix())
		nc := coord.WithClassifier(classifier)
		r := ResolvedLibrary{
			Name:    nc.LogicalName(),
			Version: coord.Version,
			Path:    nc.MavenPath(),
			Native:  true,
			rank:    rank,
		}
		if lib.Extract != nil {
			r.Exclude = append([]string(nil), lib.Extract.Exclude...)
		}
		if lib.Downloads != nil {
			if a, ok := lib.Downloads.Classifiers[classifier]; ok {
				if a.Path != "" {
					r.Path = a.Path
				}
				r.URL = a.URL
				r.SHA1 = a.SHA1
				r.Size = a.Size
			}
		}
		if r.URL == "" {
			r.URL = repositoryURL(lib.URL, r.Path)
		}
		out = append(out, r)
	}

	return out, nil
}

// resolveLibraries resolves a document's library list. Entries sharing a
// logical name collapse to one: the narrower deciding rule wins, equal
// rank keeps the later entry, and the survivor takes the first slot.
func resolveLibraries(libs []Library, p platform.Platform) ([]ResolvedLibrary, error) {
	var out []ResolvedLibrary
	index := make(map[string]int)

	for _, lib := range libs {
		resolved, err := resolveLibrary(lib, p)
		if err != nil {
			return nil, err
		}
		for _, r := range resolved {
			if i, seen := index[r.Name]; seen {
				if r.rank >= out[i].rank {
					out[i] = r
				}
				continue
			}
			index[r.Name] = len(out)
			out = append(out, r)
		}
	}
	return out, nil
}

func repositoryURL(base, path string) string {
	if base == "" {
		base = DefaultLibraryBase
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + path
}
