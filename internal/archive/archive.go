// Package archive unpacks the archive formats kiln downloads: runtime
// distributions, loader installers and native library jars.
//
// A format is a chain of steps applied outermost first, e.g. "tar.gz" is
// gzip then tar. Codecs (compression layers) and unpackers (container
// formats) register themselves from the compress and bundle subpackages.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Step identifiers.
const (
	StepNone  = ""
	StepTar   = "tar"
	StepZip   = "zip"
	StepGzip  = "gzip"
	StepBzip2 = "bzip2"
)

var (
	// ErrUnsafePath is returned for entries that would escape the destination.
	ErrUnsafePath = errors.New("archive entry escapes destination")

	// ErrUnknownFormat is returned for format names with no registered steps.
	ErrUnknownFormat = errors.New("unknown archive format")
)

// Codec removes one compression layer from a stream.
type Codec interface {
	Name() string
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// Unpacker writes the entries of a container into a directory.
type Unpacker interface {
	Name() string
	Unpack(r io.Reader, dest string, opts Options) (int, error)
}

// Options tune extraction.
type Options struct {
	// Exclude lists entry-name prefixes to skip (e.g. "META-INF/").
	Exclude []string

	// StripComponents removes leading path elements from entry names.
	StripComponents int
}

// Skip reports whether an entry name is excluded.
func (o Options) Skip(name string) bool {
	for _, prefix := range o.Exclude {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

var (
	mu        sync.RWMutex
	codecs    = map[string]Codec{}
	unpackers = map[string]Unpacker{}
)

// RegisterCodec registers a compression codec.
func RegisterCodec(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	codecs[c.Name()] = c
}

// RegisterUnpacker registers a container unpacker.
func RegisterUnpacker(u Unpacker) {
	mu.Lock()
	defer mu.Unlock()
	unpackers[u.Name()] = u
}

// Format is a parsed chain: zero or more codecs followed by one unpacker.
type Format struct {
	Name     string
	Codecs   []string
	Unpacker string
}

// namedFormats maps accepted format names to their steps.
var namedFormats = map[string]Format{
	"tar":     {Unpacker: StepTar},
	"tar.gz":  {Codecs: []string{StepGzip}, Unpacker: StepTar},
	"tgz":     {Codecs: []string{StepGzip}, Unpacker: StepTar},
	"tar.bz2": {Codecs: []string{StepBzip2}, Unpacker: StepTar},
	"tbz2":    {Codecs: []string{StepBzip2}, Unpacker: StepTar},
	"zip":     {Unpacker: StepZip},
	"jar":     {Unpacker: StepZip},
}

// ParseFormat resolves a format name such as "tar.gz" or "zip".
func ParseFormat(name string) (Format, error) {
	name = strings.ToLower(strings.TrimPrefix(name, "."))
	f, ok := namedFormats[name]
	if !ok {
		return Format{}, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
	f.Name = name
	return f, nil
}

// FormatFromFilename infers the format from a file or URL suffix.
func FormatFromFilename(filename string) (Format, error) {
	lower := strings.ToLower(filename)
	names := make([]string, 0, len(namedFormats))
	for n := range namedFormats {
		names = append(names, n)
	}
	// longest suffix first, deterministic
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, n := range names {
		if strings.HasSuffix(lower, "."+n) {
			return ParseFormat(n)
		}
	}
	return Format{}, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(filename))
}

// Extract unpacks r (in format f) under dest and returns the number of
// entries written.
func Extract(r io.Reader, f Format, dest string, opts Options) (int, error) {
	mu.RLock()
	steps := make([]Codec, 0, len(f.Codecs))
	for _, name := range f.Codecs {
		c, ok := codecs[name]
		if !ok {
			mu.RUnlock()
			return 0, fmt.Errorf("%w: no codec registered for %s", ErrUnknownFormat, name)
		}
		steps = append(steps, c)
	}
	u, ok := unpackers[f.Unpacker]
	mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: no unpacker registered for %s", ErrUnknownFormat, f.Unpacker)
	}

	current := r
	for _, c := range steps {
		rc, err := c.NewReader(current)
		if err != nil {
			return 0, fmt.Errorf("opening %s layer: %w", c.Name(), err)
		}
		defer rc.Close()
		current = rc
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", dest, err)
	}
	n, err := u.Unpack(current, dest, opts)
	if err != nil {
		return n, fmt.Errorf("unpacking %s: %w", f.Unpacker, err)
	}
	return n, nil
}

// ExtractFile opens path and extracts it, inferring the format from its
// name when f is zero.
func ExtractFile(path string, f Format, dest string, opts Options) (int, error) {
	if f.Unpacker == StepNone {
		var err error
		if f, err = FormatFromFilename(path); err != nil {
			return 0, err
		}
	}
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	return Extract(file, f, dest, opts)
}

// SafeJoin joins an entry name to dest after stripping leading components,
// rejecting names that resolve outside dest. An empty result means the
// entry was stripped entirely.
func SafeJoin(dest, name string, strip int) (string, error) {
	name = filepath.ToSlash(name)
	name = strings.TrimPrefix(name, "./")
	if strip > 0 {
		parts := strings.Split(strings.Trim(name, "/"), "/")
		if len(parts) <= strip {
			return "", nil
		}
		name = strings.Join(parts[strip:], "/")
	}
	if name == "" {
		return "", nil
	}

	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
