package workenv

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const (
	completeMarker   = ".extraction.complete"
	incompleteMarker = ".extraction.incomplete"
)

// ValidationMarker records a finished extraction.
type ValidationMarker struct {
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Checksum  string    `json:"checksum"`
}

// IsValid reports whether path holds a complete extraction of name/version
// (and checksum, when given) with every essential entry present.
func IsValid(path, name, version, checksum string, essential []string) bool {
	marker, ok := ReadMarker(path)
	if !ok {
		return false
	}

	if marker.Name != name || marker.Version != version {
		return false
	}
	if checksum != "" && marker.Checksum != checksum {
		return false
	}

	for _, entry := range essential {
		if _, err := os.Stat(filepath.Join(path, entry)); err != nil {
			return false
		}
	}

	return true
}

// ReadMarker returns the completion marker of path, if any.
func ReadMarker(path string) (ValidationMarker, bool) {
	var marker ValidationMarker
	data, err := os.ReadFile(filepath.Join(path, completeMarker))
	if err != nil {
		return marker, false
	}
	if err := json.Unmarshal(data, &marker); err != nil {
		return marker, false
	}
	return marker, true
}

// MarkComplete records path as fully extracted.
func MarkComplete(path, name, version, checksum string) error {
	marker := ValidationMarker{
		Timestamp: time.Now().UTC(),
		Name:      name,
		Version:   version,
		Checksum:  checksum,
	}

	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}

	os.Remove(filepath.Join(path, incompleteMarker))
	return os.WriteFile(filepath.Join(path, completeMarker), data, 0644)
}

// MarkIncomplete records a failed extraction so the next attempt starts
// clean.
func MarkIncomplete(path string, reason string) error {
	marker := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"reason":    reason,
	}

	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}

	os.Remove(filepath.Join(path, completeMarker))

	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, incompleteMarker), data, 0644)
}

// Clean removes path entirely.
func Clean(path string) error {
	return os.RemoveAll(path)
}
