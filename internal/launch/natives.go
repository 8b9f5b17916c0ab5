package launch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/kiln/internal/archive"
	_ "github.com/provide-io/kiln/internal/archive/bundle"
	"github.com/provide-io/kiln/internal/manifest"
	"github.com/provide-io/kiln/pkg/logging"
)

// ExtractNatives unpacks the native jars of m into layout.NativesDir,
// skipping each library's excluded entries. It returns the number of files
// written.
func ExtractNatives(m *manifest.Manifest, layout Layout, logger hclog.Logger) (int, error) {
	logger = logging.OrNull(logger).Named("natives")

	if err := os.MkdirAll(layout.NativesDir, 0755); err != nil {
		return 0, fmt.Errorf("creating natives directory: %w", err)
	}

	jar, err := archive.ParseFormat("jar")
	if err != nil {
		return 0, err
	}

	total := 0
	for _, lib := range m.Libraries {
		if !lib.Native {
			continue
		}
		src := filepath.Join(layout.LibrariesDir, filepath.FromSlash(lib.Path))
		n, err := archive.ExtractFile(src, jar, layout.NativesDir, archive.Options{Exclude: lib.Exclude})
		if err != nil {
			return total, fmt.Errorf("extracting natives from %s: %w", lib.Name, err)
		}
		logger.Debug("📦 Extracted natives", "library", lib.Name, "files", n)
		total += n
	}
	return total, nil
}
