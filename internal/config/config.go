package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/provide-io/kiln/internal/workenv"
)

// FileName is the launcher configuration file in the data root.
const FileName = "kiln.toml"

type Config struct {
	DataDir  string `toml:"data_dir"`
	CacheDir string `toml:"cache_dir"`
	LogLevel string `toml:"log_level"`

	Downloads DownloadConfig `toml:"downloads"`
	Registry  RegistryConfig `toml:"registry"`
	Loaders   LoaderConfig   `toml:"loaders"`
	Runtime   RuntimeConfig  `toml:"runtime"`
	Defaults  DefaultsConfig `toml:"defaults"`
	Account   AccountConfig  `toml:"account"`
}

type DownloadConfig struct {
	Workers           int     `toml:"workers"`
	MaxAttempts       int     `toml:"max_attempts"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	UserAgent         string  `toml:"user_agent"`
}

type RegistryConfig struct {
	IndexURL string `toml:"index_url"`
	IndexTTL string `toml:"index_ttl"`

	// ResourcesURL serves asset objects as <url>/<hash[:2]>/<hash>.
	ResourcesURL string `toml:"resources_url"`
}

type LoaderConfig struct {
	FabricMeta    string `toml:"fabric_meta"`
	QuiltMeta     string `toml:"quilt_meta"`
	ForgeMaven    string `toml:"forge_maven"`
	NeoForgeMaven string `toml:"neoforge_maven"`
	NeoForgeAPI   string `toml:"neoforge_api"`
}

type RuntimeConfig struct {
	Catalog     string   `toml:"catalog"`
	SearchPaths []string `toml:"search_paths"`
	UseJavaHome *bool    `toml:"use_java_home,omitempty"`

	// ComponentsURL lists the runtimes published for the game. They are
	// provisioned ahead of the catalog; empty turns them off.
	ComponentsURL string `toml:"components_url"`
}

// DefaultsConfig holds launcher-wide values that instances inherit when
// they leave a setting unset.
type DefaultsConfig struct {
	MemoryMB        int      `toml:"memory_mb"`
	WindowWidth     int      `toml:"window_width"`
	WindowHeight    int      `toml:"window_height"`
	JavaArgs        []string `toml:"java_args"`
	PreLaunchPrefix []string `toml:"pre_launch_prefix"`
}

// AccountConfig is the offline identity used when no account is given.
type AccountConfig struct {
	Name string `toml:"name"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		DataDir:  workenv.GetDataRoot(),
		CacheDir: workenv.GetCacheRoot(),
		LogLevel: "warn",
		Downloads: DownloadConfig{
			MaxAttempts: 5,
			Burst:       1,
			UserAgent:   "kiln",
		},
		Registry: RegistryConfig{
			IndexTTL:     "5m",
			ResourcesURL: "https://resources.download.minecraft.net",
		},
		Runtime: RuntimeConfig{
			ComponentsURL: "https://launchermeta.mojang.com/v1/products/java-runtime/2ec0cc96c44e5a76b9c8b7c39df7210883d12871/all.json",
		},
		Defaults: DefaultsConfig{
			MemoryMB: 2048,
		},
		Account: AccountConfig{
			Name: "Player",
		},
	}
}

// DefaultPath returns the configuration file in the data root.
func DefaultPath() string {
	return filepath.Join(workenv.GetDataRoot(), FileName)
}

// Load reads path over the defaults and applies environment overrides. An
// empty path means DefaultPath, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()

	optional := path == ""
	if optional {
		path = DefaultPath()
	}

	err := loadToml(path, &cfg)
	switch {
	case err == nil:
	case optional && errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, err
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	meta, err := toml.Decode(string(data), out)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config parse failed (%s): unknown keys %v", path, undecoded)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("KILN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KILN_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("KILN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KILN_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KILN_WORKERS: %w", err)
		}
		cfg.Downloads.Workers = n
	}
	return nil
}

// Validate checks values that cannot be defaulted.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config missing data_dir")
	}
	if strings.TrimSpace(cfg.CacheDir) == "" {
		return fmt.Errorf("config missing cache_dir")
	}
	if cfg.Downloads.Workers < 0 {
		return fmt.Errorf("downloads.workers must not be negative")
	}
	if cfg.Downloads.RequestsPerSecond < 0 {
		return fmt.Errorf("downloads.requests_per_second must not be negative")
	}
	if _, err := cfg.Registry.TTL(); err != nil {
		return err
	}
	return nil
}

// TTL parses IndexTTL; empty means zero.
func (r RegistryConfig) TTL() (time.Duration, error) {
	if r.IndexTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.IndexTTL)
	if err != nil {
		return 0, fmt.Errorf("registry.index_ttl: %w", err)
	}
	return d, nil
}

// JavaHome reports whether JAVA_HOME joins the runtime scan (default yes).
func (r RuntimeConfig) JavaHome() bool {
	return r.UseJavaHome == nil || *r.UseJavaHome
}

// InstancesDir holds the instance directories.
func (c Config) InstancesDir() string { return filepath.Join(c.DataDir, "instances") }

// RuntimesDir holds provisioned Java runtimes.
func (c Config) RuntimesDir() string { return filepath.Join(c.DataDir, "runtimes") }

// AssetsDir holds the asset indexes and objects handed to the game.
func (c Config) AssetsDir() string { return filepath.Join(c.DataDir, "assets") }

// StoreDir holds the content store.
func (c Config) StoreDir() string { return filepath.Join(c.CacheDir, "store") }

// VersionsDir caches version documents.
func (c Config) VersionsDir() string { return filepath.Join(c.CacheDir, "versions") }

// Write saves cfg as TOML.
func Write(path string, cfg Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
