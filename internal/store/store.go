// Package store implements the content-addressed cache shared by every
// instance. Objects are keyed by checksum, written atomically and verified
// on every lookup.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"

	"github.com/provide-io/kiln/pkg/logging"
)

// Permissions for store files and directories.
const (
	DirPerms  = 0o755
	FilePerms = 0o644
)

var (
	// ErrChecksumMismatch is returned when written content does not hash to
	// the expected checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrDiskWrite wraps failures writing to the store's filesystem.
	ErrDiskWrite = errors.New("disk write failed")

	// ErrSourceRead wraps failures reading the content being stored.
	ErrSourceRead = errors.New("source read failed")

	// ErrNotStored is returned when an object is absent or invalid.
	ErrNotStored = errors.New("object not in store")
)

// Store is a content-addressed object cache rooted at a directory.
type Store struct {
	root    string
	logger  hclog.Logger
	flights singleflight.Group
	refs    *RefIndex
}

// Open opens (creating if needed) the store rooted at root, including its
// reference index.
func Open(root string, logger hclog.Logger) (*Store, error) {
	s := &Store{
		root:   root,
		logger: logging.OrNull(logger).Named("store"),
	}

	for _, dir := range []string{s.objectsDir(), s.tmpDir(), s.IndexesDir()} {
		if err := os.MkdirAll(dir, DirPerms); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	refs, err := OpenRefIndex(filepath.Join(root, "refs.db"))
	if err != nil {
		return nil, err
	}
	s.refs = refs

	s.logger.Debug("📦 Content store opened", "root", root)
	return s, nil
}

// Close releases the reference index.
func (s *Store) Close() error {
	return s.refs.Close()
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// Refs returns the reference index.
func (s *Store) Refs() *RefIndex {
	return s.refs
}

// IndexesDir is where asset index documents are linked by id.
func (s *Store) IndexesDir() string {
	return filepath.Join(s.root, "indexes")
}

func (s *Store) objectsDir() string {
	return filepath.Join(s.root, "objects")
}

func (s *Store) tmpDir() string {
	return filepath.Join(s.root, "tmp")
}

// Path returns where the object for sum lives. sha1 objects use the bare
// objects/<hh>/<hex> layout; other algorithms get their own subtree.
// Digests that are not hex of the algorithm's length have no path.
func (s *Store) Path(sum Checksum) (string, error) {
	if err := sum.Validate(); err != nil {
		return "", err
	}
	hexDigest := strings.ToLower(sum.Hex)
	if sum.Algo == SHA1 {
		return filepath.Join(s.objectsDir(), hexDigest[:2], hexDigest), nil
	}
	return filepath.Join(s.objectsDir(), sum.Algo.String(), hexDigest[:2], hexDigest), nil
}

// Has reports whether a valid object for sum exists. A present object whose
// content no longer matches is removed and reported absent.
func (s *Store) Has(sum Checksum) bool {
	path, err := s.Path(sum)
	if err != nil {
		return false
	}

	actual, err := hashFile(path, sum.Algo)
	if err != nil {
		return false
	}
	if !actual.Equal(sum) {
		s.logger.Warn("⚠️ Stored object failed verification, discarding",
			"expected", sum.String(), "actual", actual.String())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Debug("Failed to remove corrupt object", "path", path, "error", err)
		}
		return false
	}
	return true
}

// Put stores data under sum.
func (s *Store) Put(sum Checksum, data []byte) (string, error) {
	path, _, err := s.PutStream(sum, bytes.NewReader(data))
	return path, err
}

// PutStream copies r into a temporary file while hashing it, verifies the
// digest, and renames the file into place. It returns the object path and
// the number of bytes written.
func (s *Store) PutStream(sum Checksum, r io.Reader) (string, int64, error) {
	dest, err := s.Path(sum)
	if err != nil {
		return "", 0, fmt.Errorf("cannot store object: %w", err)
	}

	tmp, err := os.CreateTemp(s.tmpDir(), sum.Hex+".*.part")
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	h := sum.Algo.New()
	buf := make([]byte, 64*1024)
	var written int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return "", written, fmt.Errorf("%w: %w", ErrDiskWrite, werr)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", written, fmt.Errorf("%w: %w", ErrSourceRead, rerr)
		}
	}

	actual := Checksum{Algo: sum.Algo, Hex: fmt.Sprintf("%x", h.Sum(nil))}
	if !actual.Equal(sum) {
		return "", written, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, sum, actual)
	}

	if err := tmp.Sync(); err != nil {
		return "", written, fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return "", written, fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), DirPerms); err != nil {
		return "", written, fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		return "", written, fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", written, fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	committed = true

	s.logger.Trace("✅ Stored object", "checksum", sum.String(), "bytes", written)
	return dest, written, nil
}

// ReadFile returns the content of a valid object.
func (s *Store) ReadFile(sum Checksum) ([]byte, error) {
	path, err := s.Path(sum)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotStored, sum)
		}
		return nil, err
	}
	if !Verify(data, sum) {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, sum)
	}
	return data, nil
}

// Coalesce runs fn at most once at a time per checksum. Callers arriving
// while fn is in flight wait and share its result; shared reports whether
// the result went to more than one caller. A caller whose ctx ends stops
// waiting and the others keep theirs.
func (s *Store) Coalesce(ctx context.Context, sum Checksum, fn func() (string, error)) (path string, shared bool, err error) {
	ch := s.flights.DoChan(sum.String(), func() (interface{}, error) {
		return fn()
	})
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Shared, res.Err
		}
		return res.Val.(string), res.Shared, nil
	}
}

// Link materializes the object for sum at dest, hard linking when the
// filesystem allows and copying otherwise. dest is replaced atomically.
func (s *Store) Link(sum Checksum, dest string) error {
	src, err := s.Path(sum)
	if err != nil {
		return err
	}

	if destInfo, err := os.Stat(dest); err == nil {
		if srcInfo, err := os.Stat(src); err == nil && os.SameFile(srcInfo, destInfo) {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), DirPerms); err != nil {
		return fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}

	tmp := dest + ".kiln-link"
	os.Remove(tmp)
	if err := os.Link(src, tmp); err != nil {
		if err := copyFile(src, tmp); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	return nil
}

// GCResult summarizes a garbage collection pass.
type GCResult struct {
	Kept         int
	Removed      int
	RemovedBytes int64
	TempRemoved  int
}

// GC removes objects that no owner in the reference index holds, plus
// temporary files older than tempAge. It is never run implicitly.
func (s *Store) GC(ctx context.Context, tempAge time.Duration) (GCResult, error) {
	var result GCResult

	referenced, err := s.refs.Referenced(ctx)
	if err != nil {
		return result, err
	}

	err = filepath.WalkDir(s.objectsDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		sum, ok := s.checksumFromPath(path)
		if !ok {
			return nil
		}
		if _, keep := referenced[sum.String()]; keep {
			result.Kept++
			return nil
		}

		info, err := d.Info()
		if err == nil {
			result.RemovedBytes += info.Size()
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		result.Removed++
		return nil
	})
	if err != nil {
		return result, err
	}

	entries, err := os.ReadDir(s.tmpDir())
	if err != nil {
		return result, err
	}
	cutoff := time.Now().Add(-tempAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(s.tmpDir(), entry.Name())) == nil {
			result.TempRemoved++
		}
	}

	s.logger.Info("🧹 Garbage collection finished",
		"kept", result.Kept, "removed", result.Removed,
		"bytes", result.RemovedBytes, "temp_removed", result.TempRemoved)
	return result, nil
}

// checksumFromPath reverses Path.
func (s *Store) checksumFromPath(path string) (Checksum, bool) {
	rel, err := filepath.Rel(s.objectsDir(), path)
	if err != nil {
		return Checksum{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch len(parts) {
	case 2:
		sum := Checksum{Algo: SHA1, Hex: parts[1]}
		return sum, sum.Validate() == nil
	case 3:
		sum, err := ParseChecksum(parts[0] + ":" + parts[2])
		return sum, err == nil
	}
	return Checksum{}, false
}

func hashFile(path string, algo Algorithm) (Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return Checksum{}, err
	}
	defer f.Close()

	h := algo.New()
	if _, err := io.Copy(h, f); err != nil {
		return Checksum{}, err
	}
	return Checksum{Algo: algo, Hex: fmt.Sprintf("%x", h.Sum(nil))}, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, FilePerms)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	return nil
}
