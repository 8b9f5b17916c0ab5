package loader

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/provide-io/kiln/internal/archive/bundle"
	"github.com/provide-io/kiln/internal/download"
	"github.com/provide-io/kiln/internal/kilnerr"
	"github.com/provide-io/kiln/internal/manifest"
)

// mavenMetadata is the subset of maven-metadata.xml listing versions.
type mavenMetadata struct {
	Versioning struct {
		Latest   string   `xml:"latest"`
		Release  string   `xml:"release"`
		Versions []string `xml:"versions>version"`
	} `xml:"versioning"`
}

// neoForgeVersions is the NeoForge Maven API listing.
type neoForgeVersions struct {
	IsSnapshot bool     `json:"isSnapshot"`
	Versions   []string `json:"versions"`
}

// NeoForge publishes nothing for releases before 1.20.2.
var neoForgeFirstRelease = time.Date(2023, 9, 20, 9, 2, 57, 0, time.UTC)

func (i *Installer) forge(ctx context.Context, v Variant, game string) (*Resolved, error) {
	metaURL := i.endpoints.ForgeMaven + "/net/minecraftforge/forge/maven-metadata.xml"
	body, err := i.get(ctx, metaURL)
	if err != nil {
		return nil, fmt.Errorf("forge versions: %w", err)
	}
	var meta mavenMetadata
	if err := xml.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decoding forge metadata: %w", err)
	}

	prefix := game + "-"
	var available []string
	for _, full := range meta.Versioning.Versions {
		if strings.HasPrefix(full, prefix) {
			available = append(available, strings.TrimPrefix(full, prefix))
		}
	}

	version := v.Version
	if version == "" {
		version = newest(available)
		if version == "" {
			return nil, kilnerr.LoaderVersionIncompatible(v.Kind.String(), "latest", game)
		}
	}
	if !contains(available, version) {
		return nil, kilnerr.LoaderVersionIncompatible(v.Kind.String(), version, game)
	}

	full := prefix + version
	installerURL := fmt.Sprintf("%s/net/minecraftforge/forge/%s/forge-%s-installer.jar",
		i.endpoints.ForgeMaven, full, full)
	r, err := i.installerDocument(ctx, installerURL, "forge-installer-"+full)
	if err != nil {
		return nil, err
	}
	if r.Document.InheritsFrom != game {
		return nil, kilnerr.LoaderVersionIncompatible(v.Kind.String(), version, game).
			WithContext("inherits_from", r.Document.InheritsFrom)
	}
	r.Variant = Variant{Kind: v.Kind, Version: version}
	return r, nil
}

func (i *Installer) neoForge(ctx context.Context, v Variant, game, releaseTime string) (*Resolved, error) {
	if released, err := time.Parse(time.RFC3339, releaseTime); err == nil && released.Before(neoForgeFirstRelease) {
		return nil, kilnerr.LoaderVersionIncompatible(v.Kind.String(), v.Version, game)
	}

	var listing neoForgeVersions
	if err := i.getJSON(ctx, i.endpoints.NeoForgeAPI, &listing); err != nil {
		return nil, fmt.Errorf("neoforge versions: %w", err)
	}

	prefix := neoForgePrefix(game)
	var available []string
	for _, candidate := range listing.Versions {
		if strings.HasPrefix(candidate, prefix) {
			available = append(available, candidate)
		}
	}

	version := v.Version
	if version == "" {
		version = newest(available)
		if version == "" {
			return nil, kilnerr.LoaderVersionIncompatible(v.Kind.String(), "latest", game)
		}
	}
	if !strings.HasPrefix(version, prefix) || !contains(available, version) {
		return nil, kilnerr.LoaderVersionIncompatible(v.Kind.String(), version, game)
	}

	installerURL := fmt.Sprintf("%s/net/neoforged/neoforge/%s/neoforge-%s-installer.jar",
		i.endpoints.NeoForgeMaven, version, version)
	r, err := i.installerDocument(ctx, installerURL, "neoforge-installer-"+version)
	if err != nil {
		return nil, err
	}
	if r.Document.InheritsFrom != game {
		return nil, kilnerr.LoaderVersionIncompatible(v.Kind.String(), version, game).
			WithContext("inherits_from", r.Document.InheritsFrom)
	}
	r.Variant = Variant{Kind: v.Kind, Version: version}
	return r, nil
}

// neoForgePrefix maps a game version to the NeoForge version prefix:
// 1.20.4 -> "20.4.", 1.21 -> "21.0.". Snapshots map to "0.<id>.".
func neoForgePrefix(game string) string {
	rest, ok := strings.CutPrefix(game, "1.")
	if !ok {
		return "0." + game + "."
	}
	if !strings.Contains(rest, ".") {
		rest += ".0"
	}
	return rest + "."
}

// installerDocument downloads an installer jar into the content store,
// verified against its Maven sidecar, and reads the version document it
// embeds.
func (i *Installer) installerDocument(ctx context.Context, url, taskID string) (*Resolved, error) {
	if i.downloads == nil {
		return nil, fmt.Errorf("installer jar %s: no download orchestrator configured", url)
	}

	sum, err := i.downloads.ResolveSidecar(ctx, url)
	if err != nil {
		return nil, err
	}
	i.logger.Debug("📦 Fetching installer", "url", url, "checksum", sum.String())
	if err := i.downloads.Run(ctx, []download.Task{{ID: taskID, URL: url, Checksum: sum}}); err != nil {
		return nil, err
	}

	jar, err := i.downloads.Store().ReadFile(sum)
	if err != nil {
		return nil, fmt.Errorf("reading installer %s: %w", taskID, err)
	}
	doc, processors, err := readInstallerDocument(jar)
	if err != nil {
		return nil, err
	}
	return &Resolved{Document: doc, Installer: sum, Processors: processors}, nil
}

// installProfile is the part of install_profile.json this package reads.
// Legacy installers embed the version document as versionInfo; current ones
// ship it as version.json and list processors to run.
type installProfile struct {
	VersionInfo json.RawMessage   `json:"versionInfo"`
	Processors  []json.RawMessage `json:"processors"`
}

// readInstallerDocument extracts the version document from an installer
// jar and reports whether its profile lists processors.
func readInstallerDocument(jar []byte) (*manifest.Document, bool, error) {
	var profile installProfile
	data, err := bundle.ReadFile(jar, "install_profile.json")
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &profile); err != nil {
			return nil, false, fmt.Errorf("decoding install_profile.json: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("reading installer: %w", err)
	}
	processors := len(profile.Processors) > 0

	data, err = bundle.ReadFile(jar, "version.json")
	if err == nil {
		doc, err := manifest.ParseDocument(data)
		return doc, processors, err
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("reading installer: %w", err)
	}

	if len(profile.VersionInfo) == 0 {
		return nil, false, fmt.Errorf("installer has neither version.json nor a versionInfo profile")
	}
	doc, err := manifest.ParseDocument(profile.VersionInfo)
	return doc, false, err
}
