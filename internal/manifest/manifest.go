// Package manifest resolves version documents into merged, platform
// filtered manifests.
package manifest

import (
	"github.com/provide-io/kiln/internal/platform"
)

// Manifest is a fully merged version description. It carries no parent
// reference: inheritance has been folded in and libraries filtered for
// Platform.
type Manifest struct {
	ID string

	// Chain lists the ids that were merged, root first.
	Chain []string

	Platform    platform.Platform
	Type        string
	ReleaseTime string
	MainClass   string

	JavaMajor     int
	JavaComponent string

	AssetIndex *AssetIndexRef
	Assets     string
	ClientJar  *Artifact

	Libraries []ResolvedLibrary

	JVMArgs  []Argument
	GameArgs []Argument

	// LegacyArguments is the single-string game argument template of older
	// documents. It is only used when GameArgs is empty.
	LegacyArguments string

	Logging *LoggingClient
}

// GameVersion returns the id of the root document, which is the game
// version every loader builds on.
func (m *Manifest) GameVersion() string {
	if len(m.Chain) == 0 {
		return m.ID
	}
	return m.Chain[0]
}

// IsLegacy reports whether arguments come from the single-string form.
func (m *Manifest) IsLegacy() bool {
	return len(m.GameArgs) == 0 && m.LegacyArguments != ""
}

// Clone returns a deep copy so callers can never mutate a cached manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	c.Chain = append([]string(nil), m.Chain...)
	if m.AssetIndex != nil {
		ai := *m.AssetIndex
		c.AssetIndex = &ai
	}
	if m.ClientJar != nil {
		jar := *m.ClientJar
		c.ClientJar = &jar
	}
	if m.Logging != nil {
		lc := *m.Logging
		c.Logging = &lc
	}
	c.Libraries = make([]ResolvedLibrary, len(m.Libraries))
	for i, lib := range m.Libraries {
		lib.Exclude = append([]string(nil), lib.Exclude...)
		c.Libraries[i] = lib
	}
	c.JVMArgs = cloneArguments(m.JVMArgs)
	c.GameArgs = cloneArguments(m.GameArgs)
	return &c
}

// Library returns the resolved library with the given logical name.
func (m *Manifest) Library(name string) (ResolvedLibrary, bool) {
	for _, lib := range m.Libraries {
		if lib.Name == name {
			return lib, true
		}
	}
	return ResolvedLibrary{}, false
}

func cloneArguments(args []Argument) []Argument {
	if args == nil {
		return nil
	}
	out := make([]Argument, len(args))
	for i, a := range args {
		out[i] = Argument{
			Values: append([]string(nil), a.Values...),
			Rules:  cloneRules(a.Rules),
		}
	}
	return out
}

func cloneRules(rules []Rule) []Rule {
	if rules == nil {
		return nil
	}
	out := make([]Rule, len(rules))
	for i, r := range rules {
		if r.OS != nil {
			osRule := *r.OS
			r.OS = &osRule
		}
		if r.Features != nil {
			features := make(map[string]bool, len(r.Features))
			for k, v := range r.Features {
				features[k] = v
			}
			r.Features = features
		}
		out[i] = r
	}
	return out
}
