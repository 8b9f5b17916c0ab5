package runtime

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/provide-io/kiln/internal/platform"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog lists the runtime builds that can be provisioned.
type Catalog struct {
	Vendor            string  `yaml:"vendor"`
	BaseURL           string  `yaml:"base_url"`
	ChecksumURL       string  `yaml:"checksum_url"`
	ChecksumAlgorithm string  `yaml:"checksum_algorithm"`
	Builds            []Build `yaml:"builds"`
}

// Build is one Java major version and the platforms it ships for.
type Build struct {
	Major     int      `yaml:"major"`
	Platforms []string `yaml:"platforms"`

	// Archives pins explicit archives per platform key ("os-arch"),
	// overriding the URL template.
	Archives map[string]Archive `yaml:"archives,omitempty"`
}

// Archive is a downloadable runtime.
type Archive struct {
	URL string `yaml:"url"`

	// Checksum is "algo:hex". When empty it is read from ChecksumURL.
	Checksum    string `yaml:"checksum,omitempty"`
	ChecksumURL string `yaml:"checksum_url,omitempty"`

	// Format names the archive layout (tar.gz, zip, ...). When empty it is
	// derived from the URL.
	Format string `yaml:"format,omitempty"`
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading runtime catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding runtime catalog: %w", err)
	}
	if c.ChecksumAlgorithm == "" {
		c.ChecksumAlgorithm = "sha256"
	}
	sort.SliceStable(c.Builds, func(i, j int) bool {
		return c.Builds[i].Major < c.Builds[j].Major
	})
	return &c, nil
}

// Lookup returns the smallest major at or above minMajor with an archive
// for p.
func (c *Catalog) Lookup(minMajor int, p platform.Platform) (int, Archive, bool) {
	for _, b := range c.Builds {
		if b.Major < minMajor {
			continue
		}
		if major, a, ok := c.lookupExact(b, p); ok {
			return major, a, true
		}
	}
	return 0, Archive{}, false
}

// Majors lists the catalog's major versions for p.
func (c *Catalog) Majors(p platform.Platform) []int {
	var out []int
	for _, b := range c.Builds {
		if _, _, ok := c.lookupExact(b, p); ok {
			out = append(out, b.Major)
		}
	}
	return out
}

func (c *Catalog) lookupExact(b Build, p platform.Platform) (int, Archive, bool) {
	key := p.String()
	if a, ok := b.Archives[key]; ok {
		return b.Major, a, true
	}
	for _, supported := range b.Platforms {
		if supported == key {
			if a, ok := c.templateArchive(b.Major, p); ok {
				return b.Major, a, true
			}
		}
	}
	return 0, Archive{}, false
}

func (c *Catalog) templateArchive(major int, p platform.Platform) (Archive, bool) {
	if c.BaseURL == "" {
		return Archive{}, false
	}

	var osName, ext string
	switch p.OS {
	case platform.OSLinux:
		osName, ext = "linux", "tar.gz"
	case platform.OSMac:
		osName, ext = "macos", "tar.gz"
	case platform.OSWindows:
		osName, ext = "windows", "zip"
	default:
		return Archive{}, false
	}

	var arch string
	switch p.Arch {
	case platform.ArchX86_64:
		arch = "x64"
	case platform.ArchArm64:
		arch = "aarch64"
	case platform.ArchX86:
		arch = "x86"
	default:
		return Archive{}, false
	}

	name := fmt.Sprintf("amazon-corretto-%d-%s-%s-jdk.%s", major, arch, osName, ext)
	a := Archive{
		URL:    strings.TrimSuffix(c.BaseURL, "/") + "/" + name,
		Format: ext,
	}
	if c.ChecksumURL != "" {
		a.ChecksumURL = strings.TrimSuffix(c.ChecksumURL, "/") + "/" + name
	}
	return a, true
}
