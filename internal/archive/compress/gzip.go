// Package compress registers the compression layers archive formats use.
package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/provide-io/kiln/internal/archive"
)

func init() {
	archive.RegisterCodec(&GzipCodec{})
}

// GzipCodec decompresses gzip streams
type GzipCodec struct{}

// Name implements archive.Codec
func (c *GzipCodec) Name() string {
	return archive.StepGzip
}

// NewReader implements archive.Codec
func (c *GzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	return gr, nil
}
