// Package loader installs mod loader variants on top of a resolved game
// manifest.
package loader

import (
	"fmt"
	"strings"
)

// Kind identifies a loader family.
type Kind int

const (
	None Kind = iota
	Fabric
	Quilt
	Forge
	NeoForge
)

var kindNames = map[Kind]string{
	None:     "none",
	Fabric:   "fabric",
	Quilt:    "quilt",
	Forge:    "forge",
	NeoForge: "neoforge",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts the lower-case names and the capitalized forms stored in
// instance configs ("Vanilla" maps to None).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "vanilla":
		return None, nil
	case "fabric":
		return Fabric, nil
	case "quilt":
		return Quilt, nil
	case "forge":
		return Forge, nil
	case "neoforge":
		return NeoForge, nil
	}
	return None, fmt.Errorf("unknown loader %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Variant is a loader kind plus the requested loader version. An empty
// Version selects the newest build compatible with the game version.
type Variant struct {
	Kind    Kind
	Version string
}

// IsNone reports whether the variant leaves the manifest unchanged.
func (v Variant) IsNone() bool {
	return v.Kind == None
}

func (v Variant) String() string {
	if v.Version == "" {
		return v.Kind.String()
	}
	return v.Kind.String() + "-" + v.Version
}
