// Package config loads fastpull process configuration.
//
// Configuration is read from a single YAML file named by the --config flag
// or the FASTPULL_CONFIG environment variable. Values missing from the file
// keep their defaults. ${VAR} and ${VAR:-default} in paths are expanded.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meigma/fastpull/hashes"
)

// EnvVar names the environment variable holding the config path.
const EnvVar = "FASTPULL_CONFIG"

// Backend names a record store implementation.
type Backend string

// Record backends.
const (
	BackendDisk   Backend = "disk"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// Config is the process configuration.
type Config struct {
	// Listen is the HTTP listen address for serve.
	Listen string `yaml:"listen"`

	// TempDir holds in-progress downloads.
	TempDir string `yaml:"temp_dir"`

	// CacheInterval is the default fetch cache window. Zero disables it.
	CacheInterval time.Duration `yaml:"cache_interval"`

	// Timeout bounds a single transfer. Zero means no limit.
	Timeout time.Duration `yaml:"timeout"`

	// Retries is how many times FetchAll retries a retryable failure.
	Retries int `yaml:"retries"`

	Concurrency ConcurrencyConfig `yaml:"concurrency"`

	// Hashes are the algorithms computed for every blob.
	Hashes []string `yaml:"hashes"`

	// VerifyOnRead re-hashes blobs whenever they are read.
	VerifyOnRead bool `yaml:"verify_on_read"`

	// RedirectBase, when set, makes serve redirect blob requests there.
	RedirectBase string `yaml:"redirect_base"`

	// DefaultScope is the scope used when none is named.
	DefaultScope string `yaml:"default_scope"`

	Scopes map[string]ScopeConfig `yaml:"scopes"`

	Mirror MirrorConfig `yaml:"mirror"`
}

// ConcurrencyConfig bounds network usage.
type ConcurrencyConfig struct {
	// Global is the maximum number of simultaneous transfers.
	Global int `yaml:"global"`

	// PerHost is the maximum number of simultaneous transfers per host.
	PerHost int `yaml:"per_host"`

	// HostRate limits request starts per host per second. Zero disables it.
	HostRate float64 `yaml:"host_rate"`
}

// ScopeConfig binds a scope to storage.
type ScopeConfig struct {
	// Root is the blob tree root.
	Root string `yaml:"root"`

	// Index is the record index location. For disk it is a directory
	// (default: Root + "-index"); for sqlite a file path.
	Index string `yaml:"index"`

	// Backend selects the record store. Default: disk.
	Backend Backend `yaml:"backend"`

	// DSN is the redis URL for the redis backend.
	DSN string `yaml:"dsn"`
}

// MirrorConfig configures the optional OCI mirror.
type MirrorConfig struct {
	// Repository is the OCI repository blobs are pushed to. Empty disables mirroring.
	Repository string `yaml:"repository"`

	// PlainHTTP talks to the registry without TLS.
	PlainHTTP bool `yaml:"plain_http"`

	// Username and Password are static registry credentials. Without them
	// the Docker credential store is used.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the default configuration.
func Default() *Config {
	root := filepath.Join(os.TempDir(), "fastpull")
	return &Config{
		Listen:        ":8080",
		TempDir:       filepath.Join(root, "tmp"),
		CacheInterval: 15 * time.Minute,
		Concurrency: ConcurrencyConfig{
			Global:  200,
			PerHost: 8,
		},
		Hashes:       []string{string(hashes.SHA512), string(hashes.SHA256), string(hashes.BLAKE2B)},
		DefaultScope: "local",
		Scopes: map[string]ScopeConfig{
			"local": {Root: filepath.Join(root, "blos"), Backend: BackendDisk},
		},
	}
}

// Load loads the file named by FASTPULL_CONFIG, or returns defaults when
// it is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile loads and validates the configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, expands variables and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	// Scopes in the file replace the default scope set.
	var probe struct {
		Scopes map[string]ScopeConfig `yaml:"scopes"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if probe.Scopes != nil {
		cfg.Scopes = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.expandVariables()
	for name, sc := range cfg.Scopes {
		if sc.Backend == "" {
			sc.Backend = BackendDisk
			cfg.Scopes[name] = sc
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Algorithms returns the configured hash algorithms.
func (c *Config) Algorithms() ([]hashes.Algorithm, error) {
	algs := make([]hashes.Algorithm, 0, len(c.Hashes))
	for _, name := range c.Hashes {
		a, err := hashes.ParseAlgorithm(name)
		if err != nil {
			return nil, err
		}
		algs = append(algs, a)
	}
	return hashes.Normalize(algs), nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.TempDir == "" {
		errs = append(errs, errors.New("temp_dir is required"))
	}
	if c.CacheInterval < 0 {
		errs = append(errs, errors.New("cache_interval must be >= 0"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must be >= 0"))
	}
	if c.Retries < 0 {
		errs = append(errs, errors.New("retries must be >= 0"))
	}
	if c.Concurrency.Global <= 0 {
		errs = append(errs, errors.New("concurrency.global must be > 0"))
	}
	if c.Concurrency.PerHost <= 0 {
		errs = append(errs, errors.New("concurrency.per_host must be > 0"))
	}
	if c.Concurrency.HostRate < 0 {
		errs = append(errs, errors.New("concurrency.host_rate must be >= 0"))
	}
	if _, err := c.Algorithms(); err != nil {
		errs = append(errs, fmt.Errorf("hashes: %w", err))
	}
	if len(c.Scopes) == 0 {
		errs = append(errs, errors.New("at least one scope is required"))
	}
	if _, ok := c.Scopes[c.DefaultScope]; !ok {
		errs = append(errs, fmt.Errorf("default_scope %q is not defined", c.DefaultScope))
	}
	for name, sc := range c.Scopes {
		if sc.Root == "" {
			errs = append(errs, fmt.Errorf("scopes.%s.root is required", name))
		}
		switch sc.Backend {
		case BackendDisk, "":
		case BackendSQLite:
			if sc.Index == "" {
				errs = append(errs, fmt.Errorf("scopes.%s.index is required for sqlite", name))
			}
		case BackendRedis:
			if sc.DSN == "" {
				errs = append(errs, fmt.Errorf("scopes.%s.dsn is required for redis", name))
			}
		default:
			errs = append(errs, fmt.Errorf("scopes.%s.backend %q is not one of disk, sqlite, redis", name, sc.Backend))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	c.TempDir = expandVars(c.TempDir)
	for name, sc := range c.Scopes {
		sc.Root = expandVars(sc.Root)
		sc.Index = expandVars(sc.Index)
		sc.DSN = expandVars(sc.DSN)
		c.Scopes[name] = sc
	}
	c.Mirror.Password = expandVars(c.Mirror.Password)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
