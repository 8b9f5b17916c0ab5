package manifest

import (
	"fmt"

	"github.com/provide-io/kiln/internal/platform"
)

// fromDocument builds a standalone manifest from a root document.
func fromDocument(doc *Document, p platform.Platform) (*Manifest, error) {
	libs, err := resolveLibraries(doc.Libraries, p)
	if err != nil {
		return nil, fmt.Errorf("resolving libraries of %s: %w", doc.ID, err)
	}

	m := &Manifest{
		ID:              doc.ID,
		Chain:           []string{doc.ID},
		Platform:        p,
		Libraries:       libs,
		LegacyArguments: doc.MinecraftArguments,
	}
	applyScalars(m, doc)
	if doc.Arguments != nil {
		m.JVMArgs = cloneArguments(doc.Arguments.JVM)
		m.GameArgs = cloneArguments(doc.Arguments.Game)
	}
	return m, nil
}

// Overlay merges doc onto an already resolved base. The child wins on
// scalar fields and on libraries sharing a logical name; argument lists
// concatenate base then child. base is not modified.
func Overlay(base *Manifest, doc *Document, p platform.Platform) (*Manifest, error) {
	childLibs, err := resolveLibraries(doc.Libraries, p)
	if err != nil {
		return nil, fmt.Errorf("resolving libraries of %s: %w", doc.ID, err)
	}

	m := base.Clone()
	m.ID = doc.ID
	m.Chain = append(m.Chain, doc.ID)
	m.Platform = p
	applyScalars(m, doc)

	if doc.MinecraftArguments != "" {
		m.LegacyArguments = doc.MinecraftArguments
	}
	if doc.Arguments != nil {
		m.JVMArgs = append(m.JVMArgs, cloneArguments(doc.Arguments.JVM)...)
		m.GameArgs = append(m.GameArgs, cloneArguments(doc.Arguments.Game)...)
	}

	merged := make([]ResolvedLibrary, 0, len(childLibs)+len(m.Libraries))
	seen := make(map[string]struct{}, len(childLibs))
	for _, lib := range childLibs {
		seen[lib.Name] = struct{}{}
		merged = append(merged, lib)
	}
	for _, lib := range m.Libraries {
		if _, overridden := seen[lib.Name]; overridden {
			continue
		}
		merged = append(merged, lib)
	}
	m.Libraries = merged

	return m, nil
}

func applyScalars(m *Manifest, doc *Document) {
	if doc.Type != "" {
		m.Type = doc.Type
	}
	if doc.ReleaseTime != "" {
		m.ReleaseTime = doc.ReleaseTime
	}
	if doc.MainClass != "" {
		m.MainClass = doc.MainClass
	}
	if doc.JavaVersion != nil {
		if doc.JavaVersion.MajorVersion != 0 {
			m.JavaMajor = doc.JavaVersion.MajorVersion
		}
		if doc.JavaVersion.Component != "" {
			m.JavaComponent = doc.JavaVersion.Component
		}
	}
	if doc.AssetIndex != nil {
		ai := *doc.AssetIndex
		m.AssetIndex = &ai
	}
	if doc.Assets != "" {
		m.Assets = doc.Assets
	}
	if jar, ok := doc.Downloads["client"]; ok {
		m.ClientJar = &jar
	}
	if doc.Logging != nil && doc.Logging.Client != nil {
		lc := *doc.Logging.Client
		m.Logging = &lc
	}
}
