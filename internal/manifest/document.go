package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Document is a version descriptor as published by the registry or a
// loader's metadata service. It may inherit from another document.
type Document struct {
	ID                 string              `json:"id"`
	InheritsFrom       string              `json:"inheritsFrom,omitempty"`
	Type               string              `json:"type,omitempty"`
	ReleaseTime        string              `json:"releaseTime,omitempty"`
	MainClass          string              `json:"mainClass,omitempty"`
	MinecraftArguments string              `json:"minecraftArguments,omitempty"`
	Arguments          *Arguments          `json:"arguments,omitempty"`
	Libraries          []Library           `json:"libraries,omitempty"`
	AssetIndex         *AssetIndexRef      `json:"assetIndex,omitempty"`
	Assets             string              `json:"assets,omitempty"`
	Downloads          map[string]Artifact `json:"downloads,omitempty"`
	JavaVersion        *JavaVersion        `json:"javaVersion,omitempty"`
	Logging            *Logging            `json:"logging,omitempty"`
}

// Arguments holds the structured argument templates of modern documents.
type Arguments struct {
	Game []Argument `json:"game,omitempty"`
	JVM  []Argument `json:"jvm,omitempty"`
}

// Argument is one template entry: a plain string, or values guarded by rules.
type Argument struct {
	Values []string
	Rules  []Rule
}

type ruledArgument struct {
	Rules []Rule          `json:"rules,omitempty"`
	Value json.RawMessage `json:"value"`
}

// UnmarshalJSON accepts "str", {"rules":[...],"value":"str"} and
// {"rules":[...],"value":["a","b"]}.
func (a *Argument) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Argument{Values: []string{s}}
		return nil
	}

	var ra ruledArgument
	if err := json.Unmarshal(data, &ra); err != nil {
		return fmt.Errorf("argument: %w", err)
	}
	values, err := stringOrList(ra.Value)
	if err != nil {
		return fmt.Errorf("argument value: %w", err)
	}
	*a = Argument{Values: values, Rules: ra.Rules}
	return nil
}

// MarshalJSON writes the compact string form when no rules apply.
func (a Argument) MarshalJSON() ([]byte, error) {
	if len(a.Rules) == 0 && len(a.Values) == 1 {
		return json.Marshal(a.Values[0])
	}
	value := interface{}(a.Values)
	if len(a.Values) == 1 {
		value = a.Values[0]
	}
	return json.Marshal(struct {
		Rules []Rule      `json:"rules,omitempty"`
		Value interface{} `json:"value"`
	}{a.Rules, value})
}

func stringOrList(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []string
		err := json.Unmarshal(raw, &list)
		return list, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []string{s}, nil
}

// Library is a raw dependency entry.
type Library struct {
	Name      string            `json:"name"`
	URL       string            `json:"url,omitempty"`
	Downloads *LibraryDownloads `json:"downloads,omitempty"`
	Rules     []Rule            `json:"rules,omitempty"`
	Natives   map[string]string `json:"natives,omitempty"`
	Extract   *Extract          `json:"extract,omitempty"`

	// Loader metadata services publish checksums inline instead of under
	// downloads.artifact.
	SHA1 string `json:"sha1,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// LibraryDownloads lists the main artifact and per-classifier artifacts.
type LibraryDownloads struct {
	Artifact    *Artifact           `json:"artifact,omitempty"`
	Classifiers map[string]Artifact `json:"classifiers,omitempty"`
}

// Artifact is a downloadable file.
type Artifact struct {
	Path string `json:"path,omitempty"`
	SHA1 string `json:"sha1,omitempty"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url"`
}

// Extract lists entry prefixes to skip when unpacking a native jar.
type Extract struct {
	Exclude []string `json:"exclude,omitempty"`
}

// AssetIndexRef points at the asset index document.
type AssetIndexRef struct {
	ID        string `json:"id"`
	SHA1      string `json:"sha1"`
	Size      int64  `json:"size,omitempty"`
	TotalSize int64  `json:"totalSize,omitempty"`
	URL       string `json:"url"`
}

// JavaVersion is the runtime requirement.
type JavaVersion struct {
	Component    string `json:"component,omitempty"`
	MajorVersion int    `json:"majorVersion"`
}

// Logging holds per-side logging configuration.
type Logging struct {
	Client *LoggingClient `json:"client,omitempty"`
}

// LoggingClient is the client logging configuration: a JVM argument
// template and the file it references.
type LoggingClient struct {
	Argument string      `json:"argument"`
	File     LoggingFile `json:"file"`
	Type     string      `json:"type,omitempty"`
}

// LoggingFile is the logging configuration file.
type LoggingFile struct {
	ID   string `json:"id"`
	SHA1 string `json:"sha1"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url"`
}

// ParseDocument decodes a version descriptor.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding version document: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("decoding version document: missing id")
	}
	return &doc, nil
}
