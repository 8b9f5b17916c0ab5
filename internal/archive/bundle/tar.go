// Package bundle registers the container formats archive can unpack.
package bundle

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/provide-io/kiln/internal/archive"
)

func init() {
	archive.RegisterUnpacker(&TarUnpacker{})
}

// maxEntrySize bounds a single extracted file.
const maxEntrySize = 4 << 30

// TarUnpacker extracts POSIX tar streams
type TarUnpacker struct{}

// Name implements archive.Unpacker
func (u *TarUnpacker) Name() string {
	return archive.StepTar
}

// Unpack implements archive.Unpacker. Regular files, directories and
// symlinks are restored with their permission bits; other entry types are
// skipped.
func (u *TarUnpacker) Unpack(r io.Reader, dest string, opts archive.Options) (int, error) {
	tr := tar.NewReader(r)
	count := 0

	for {
		header, err := tr.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("reading tar header: %w", err)
		}
		if opts.Skip(header.Name) {
			continue
		}

		target, err := archive.SafeJoin(dest, header.Name, opts.StripComponents)
		if err != nil {
			return count, err
		}
		if target == "" {
			continue
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if header.Size < 0 || header.Size > maxEntrySize {
				return count, fmt.Errorf("invalid file size for %s: %d", header.Name, header.Size)
			}
			if err := writeEntry(target, tr, header.Size, os.FileMode(header.Mode).Perm()); err != nil {
				return count, err
			}
		case tar.TypeSymlink:
			if !linkStaysInside(dest, target, header.Linkname) {
				return count, fmt.Errorf("%w: %s -> %s", archive.ErrUnsafePath, header.Name, header.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return count, err
			}
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return count, fmt.Errorf("creating symlink %s: %w", header.Name, err)
			}
		default:
			continue
		}
		count++
	}
}

func linkStaysInside(dest, target, linkname string) bool {
	if filepath.IsAbs(linkname) {
		return false
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	rel, err := filepath.Rel(dest, resolved)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeEntry(target string, r io.Reader, size int64, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()
		return fmt.Errorf("extracting %s: %w", target, err)
	}
	return f.Close()
}
