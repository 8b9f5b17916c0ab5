package compress

import (
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"

	"github.com/provide-io/kiln/internal/archive"
)

func init() {
	archive.RegisterCodec(&Bzip2Codec{})
}

// Bzip2Codec decompresses bzip2 streams
type Bzip2Codec struct{}

// Name implements archive.Codec
func (c *Bzip2Codec) Name() string {
	return archive.StepBzip2
}

// NewReader implements archive.Codec
func (c *Bzip2Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	br, err := bzip2.NewReader(r, &bzip2.ReaderConfig{})
	if err != nil {
		return nil, fmt.Errorf("creating bzip2 reader: %w", err)
	}
	return br, nil
}
