// Package download runs batches of verified transfers into the content
// store with a bounded worker pool.
package download

import (
	"fmt"

	"github.com/provide-io/kiln/internal/store"
)

// Task is one artifact to bring into the store.
type Task struct {
	// ID names the task in progress reports and errors.
	ID       string
	URL      string
	Checksum store.Checksum
	Size     int64

	// Dest, when set, is where the stored object is materialized after it
	// is verified.
	Dest string
}

func (t Task) validate() error {
	if t.ID == "" {
		return fmt.Errorf("download task without id (url %s)", t.URL)
	}
	if t.URL == "" {
		return fmt.Errorf("download task %s has no url", t.ID)
	}
	if err := t.Checksum.Validate(); err != nil {
		return fmt.Errorf("download task %s: %w", t.ID, err)
	}
	return nil
}

// Progress is a point-in-time view of a batch.
type Progress struct {
	Total     int
	Completed int
	Skipped   int
	Failed    int

	BytesDone  int64
	BytesTotal int64

	// Current is the id of the most recently finished task.
	Current string
	Done    bool
}

// Fraction returns completion in [0,1] by task count.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Completed) / float64(p.Total)
}
