// Package instance manages named instance directories and their settings.
//
// Layout under the instances root:
//
//	<name>/config.json      settings
//	<name>/details.json     resolved base version document
//	<name>/loader.json      installed loader document, if any
//	<name>/libraries/       libraries by relative install path
//	<name>/libraries/natives/
//	<name>/.minecraft/      game directory
package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/kiln/internal/workenv"
	"github.com/provide-io/kiln/pkg/logging"
)

var (
	ErrNotFound    = errors.New("instance not found")
	ErrExists      = errors.New("instance already exists")
	ErrInvalidName = errors.New("invalid instance name")
)

// DefaultMemoryMB is the memory given to new instances.
const DefaultMemoryMB = 2048

// Config is the per-instance config.json.
type Config struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version"`

	RAMInMB      int    `json:"ram_in_mb"`
	JavaOverride string `json:"java_override,omitempty"`

	// ModType is the loader kind; "Vanilla" means none.
	ModType     string       `json:"mod_type"`
	ModTypeInfo *ModTypeInfo `json:"mod_type_info,omitempty"`

	JavaArgs []string `json:"java_args,omitempty"`
	GameArgs []string `json:"game_args,omitempty"`

	GlobalSettings    *GlobalSettings   `json:"global_settings,omitempty"`
	MainClassOverride string            `json:"main_class_override,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
}

// ModTypeInfo records the installed loader version.
type ModTypeInfo struct {
	Version string `json:"version,omitempty"`
}

// GlobalSettings are settings that also have launcher-wide defaults.
type GlobalSettings struct {
	WindowWidth     int      `json:"window_width,omitempty"`
	WindowHeight    int      `json:"window_height,omitempty"`
	PreLaunchPrefix []string `json:"pre_launch_prefix,omitempty"`
}

// LoaderVersion returns the recorded loader version, if any.
func (c *Config) LoaderVersion() string {
	if c.ModTypeInfo == nil {
		return ""
	}
	return c.ModTypeInfo.Version
}

// Paths resolves the files of one instance.
type Paths struct {
	Root string
}

func (p Paths) ConfigFile() string  { return filepath.Join(p.Root, "config.json") }
func (p Paths) DetailsFile() string { return filepath.Join(p.Root, "details.json") }
func (p Paths) LoaderFile() string  { return filepath.Join(p.Root, "loader.json") }
func (p Paths) Libraries() string   { return filepath.Join(p.Root, "libraries") }
func (p Paths) Natives() string     { return filepath.Join(p.Root, "libraries", "natives") }
func (p Paths) GameDir() string     { return filepath.Join(p.Root, ".minecraft") }

// ClientJar is where the client jar of version id is materialized.
func (p Paths) ClientJar(id string) string {
	return filepath.Join(p.GameDir(), "versions", id, id+".jar")
}

// Instance is a loaded instance.
type Instance struct {
	Name   string
	Config Config
	Paths  Paths
}

// Manager creates, loads and deletes instances under a root directory.
type Manager struct {
	root   string
	logger hclog.Logger
}

// NewManager returns a manager for root.
func NewManager(root string, logger hclog.Logger) *Manager {
	return &Manager{
		root:   root,
		logger: logging.OrNull(logger).Named("instance"),
	}
}

// Root returns the instances directory.
func (m *Manager) Root() string {
	return m.root
}

// ValidateName rejects names that are empty or would leave the instances
// directory.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\:*?"<>|`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	}
	return nil
}

func (m *Manager) paths(name string) Paths {
	return Paths{Root: filepath.Join(m.root, name)}
}

// Create makes a new instance directory with cfg as its settings.
func (m *Manager) Create(name string, cfg Config) (*Instance, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if cfg.Version == "" {
		return nil, errors.New("instance needs a version")
	}
	p := m.paths(name)
	if _, err := os.Stat(p.Root); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}

	if cfg.RAMInMB <= 0 {
		cfg.RAMInMB = DefaultMemoryMB
	}
	if cfg.ModType == "" {
		cfg.ModType = "Vanilla"
	}
	cfg.Name = name

	err := workenv.CreateWorkenv(p.Root, []workenv.DirectorySpec{
		{Path: "libraries"},
		{Path: filepath.Join("libraries", "natives")},
		{Path: ".minecraft"},
	})
	if err != nil {
		return nil, err
	}

	inst := &Instance{Name: name, Config: cfg, Paths: p}
	if err := m.Save(inst); err != nil {
		os.RemoveAll(p.Root)
		return nil, err
	}
	m.logger.Info("✅ Created instance", "name", name, "version", cfg.Version)
	return inst, nil
}

// Load reads an instance's settings.
func (m *Manager) Load(name string) (*Instance, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	p := m.paths(name)
	data, err := os.ReadFile(p.ConfigFile())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p.ConfigFile(), err)
	}
	if cfg.RAMInMB <= 0 {
		cfg.RAMInMB = DefaultMemoryMB
	}
	return &Instance{Name: name, Config: cfg, Paths: p}, nil
}

// Save writes an instance's settings.
func (m *Manager) Save(inst *Instance) error {
	data, err := json.MarshalIndent(inst.Config, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(inst.Paths.ConfigFile(), data)
}

// Delete removes the instance directory.
func (m *Manager) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	p := m.paths(name)
	if _, err := os.Stat(p.ConfigFile()); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := os.RemoveAll(p.Root); err != nil {
		return fmt.Errorf("deleting instance %s: %w", name, err)
	}
	m.logger.Info("🧹 Deleted instance", "name", name)
	return nil
}

// List returns the names of all instances, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.root, e.Name(), "config.json")); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SaveDetails stores the resolved base version document.
func (inst *Instance) SaveDetails(data []byte) error {
	return writeFileAtomic(inst.Paths.DetailsFile(), data)
}

// Details returns the stored base version document.
func (inst *Instance) Details() ([]byte, error) {
	return os.ReadFile(inst.Paths.DetailsFile())
}

// SaveLoader stores the installed loader document.
func (inst *Instance) SaveLoader(data []byte) error {
	return writeFileAtomic(inst.Paths.LoaderFile(), data)
}

// Loader returns the stored loader document; ok is false when none is
// installed.
func (inst *Instance) Loader() (data []byte, ok bool, err error) {
	data, err = os.ReadFile(inst.Paths.LoaderFile())
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// RemoveLoader deletes the stored loader document.
func (inst *Instance) RemoveLoader() error {
	err := os.Remove(inst.Paths.LoaderFile())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
