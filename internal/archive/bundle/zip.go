package bundle

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/provide-io/kiln/internal/archive"
)

func init() {
	archive.RegisterUnpacker(&ZipUnpacker{})
}

// ZipUnpacker extracts zip and jar files
type ZipUnpacker struct{}

// Name implements archive.Unpacker
func (u *ZipUnpacker) Name() string {
	return archive.StepZip
}

// Unpack implements archive.Unpacker. Zip needs random access, so streams
// that are not files are buffered in memory.
func (u *ZipUnpacker) Unpack(r io.Reader, dest string, opts archive.Options) (int, error) {
	ra, size, err := readerAt(r)
	if err != nil {
		return 0, err
	}
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return 0, fmt.Errorf("opening zip: %w", err)
	}

	count := 0
	for _, f := range zr.File {
		if opts.Skip(f.Name) {
			continue
		}
		target, err := archive.SafeJoin(dest, f.Name, opts.StripComponents)
		if err != nil {
			return count, err
		}
		if target == "" {
			continue
		}

		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, err
			}
			continue
		}
		if f.UncompressedSize64 > maxEntrySize {
			return count, fmt.Errorf("invalid file size for %s: %d", f.Name, f.UncompressedSize64)
		}

		rc, err := f.Open()
		if err != nil {
			return count, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		err = writeEntry(target, rc, int64(f.UncompressedSize64), f.Mode().Perm())
		rc.Close()
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ReadFile returns one entry of a zip held in memory.
func ReadFile(data []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening zip: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
}

func readerAt(r io.Reader) (io.ReaderAt, int64, error) {
	if f, ok := r.(*os.File); ok {
		info, err := f.Stat()
		if err != nil {
			return nil, 0, err
		}
		return f, info.Size(), nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("buffering zip: %w", err)
	}
	return bytes.NewReader(data), int64(len(data)), nil
}
