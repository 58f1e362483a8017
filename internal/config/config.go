package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/victor/modelvault/internal/models"
)

// Library configures one model type.
type Library struct {
	Roots      []string `mapstructure:"roots"`
	Extensions []string `mapstructure:"extensions"`
}

// Watcher configures filesystem notification handling.
type Watcher struct {
	Enabled              bool          `mapstructure:"enabled"`
	Debounce             time.Duration `mapstructure:"debounce"`
	CreateSuppressWindow time.Duration `mapstructure:"create_suppress_window"`
	IgnoreTimeout        time.Duration `mapstructure:"ignore_timeout"`
	EventBuffer          int           `mapstructure:"event_buffer"`
}

// Snapshot configures snapshot persistence.
type Snapshot struct {
	SaveDelay time.Duration `mapstructure:"save_delay"`
}

type Config struct {
	SnapshotDir          string             `mapstructure:"snapshot_dir"`
	LogLevel             string             `mapstructure:"log_level"`
	LogFormat            string             `mapstructure:"log_format"`
	LogOutput            string             `mapstructure:"log_output"`
	ListenAddr           string             `mapstructure:"listen_addr"`
	ScanWorkers          int                `mapstructure:"scan_workers"`
	CaseInsensitivePaths bool               `mapstructure:"case_insensitive_paths"`
	Libraries            map[string]Library `mapstructure:"libraries"`
	Watcher              Watcher            `mapstructure:"watcher"`
	Snapshot             Snapshot           `mapstructure:"snapshot"`
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".modelvault")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(defaultHome())

	v.SetEnvPrefix("MODELVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("snapshot_dir", filepath.Join(defaultHome(), "cache"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("log_output", "stderr")
	v.SetDefault("listen_addr", "127.0.0.1:9477")
	v.SetDefault("scan_workers", 0)
	v.SetDefault("case_insensitive_paths", false)
	v.SetDefault("watcher.enabled", true)
	v.SetDefault("watcher.debounce", 2*time.Second)
	v.SetDefault("watcher.create_suppress_window", 5*time.Second)
	v.SetDefault("watcher.ignore_timeout", 30*time.Second)
	v.SetDefault("watcher.event_buffer", 1024)
	v.SetDefault("snapshot.save_delay", 5*time.Second)
	return v
}

// Load reads config.yaml from the working directory or ~/.modelvault,
// falling back to defaults when neither exists.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads the config file at path. An empty path searches the default
// locations. Environment variables prefixed MODELVAULT_ override file values.
func LoadFrom(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found; use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.normalize()
	return config, nil
}

// normalize expands environment references and makes paths absolute.
func (c *Config) normalize() {
	c.SnapshotDir = absPath(c.SnapshotDir)
	for name, lib := range c.Libraries {
		roots := make([]string, 0, len(lib.Roots))
		for _, r := range lib.Roots {
			if r = strings.TrimSpace(r); r != "" {
				roots = append(roots, absPath(r))
			}
		}
		lib.Roots = roots
		if len(lib.Extensions) == 0 {
			lib.Extensions = models.DefaultExtensions(models.ModelType(name))
		}
		for i, e := range lib.Extensions {
			if !strings.HasPrefix(e, ".") {
				lib.Extensions[i] = "." + e
			}
		}
		c.Libraries[name] = lib
	}
}

func absPath(p string) string {
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		cwd, _ := os.Getwd()
		p = filepath.Join(cwd, p)
	}
	return filepath.Clean(p)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.SnapshotDir == "" {
		errs = append(errs, errors.New("snapshot_dir must be set"))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be console or json, got %q", c.LogFormat))
	}
	if c.ScanWorkers < 0 {
		errs = append(errs, fmt.Errorf("scan_workers must not be negative, got %d", c.ScanWorkers))
	}
	for _, name := range c.ModelTypes() {
		if !models.ModelType(name).Valid() {
			errs = append(errs, fmt.Errorf("libraries.%s: unknown model type", name))
			continue
		}
		if len(c.Libraries[name].Roots) == 0 {
			errs = append(errs, fmt.Errorf("libraries.%s: no roots configured", name))
		}
	}

	durations := []struct {
		key string
		val time.Duration
	}{
		{"watcher.debounce", c.Watcher.Debounce},
		{"watcher.create_suppress_window", c.Watcher.CreateSuppressWindow},
		{"watcher.ignore_timeout", c.Watcher.IgnoreTimeout},
		{"snapshot.save_delay", c.Snapshot.SaveDelay},
	}
	for _, d := range durations {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", d.key, d.val))
		}
	}
	if c.Watcher.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("watcher.event_buffer must be positive, got %d", c.Watcher.EventBuffer))
	}
	return errors.Join(errs...)
}

// ModelTypes returns the configured library names in sorted order.
func (c *Config) ModelTypes() []string {
	out := make([]string, 0, len(c.Libraries))
	for name := range c.Libraries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Library returns the configuration of one model type.
func (c *Config) Library(modelType string) (Library, bool) {
	lib, ok := c.Libraries[modelType]
	return lib, ok
}

// Save writes the configuration as YAML to path, creating its directory.
func Save(config *Config, path string) error {
	v := viper.New()
	v.Set("snapshot_dir", config.SnapshotDir)
	v.Set("log_level", config.LogLevel)
	v.Set("log_format", config.LogFormat)
	v.Set("log_output", config.LogOutput)
	v.Set("listen_addr", config.ListenAddr)
	v.Set("scan_workers", config.ScanWorkers)
	v.Set("case_insensitive_paths", config.CaseInsensitivePaths)
	for name, lib := range config.Libraries {
		v.Set("libraries."+name+".roots", lib.Roots)
		v.Set("libraries."+name+".extensions", lib.Extensions)
	}
	v.Set("watcher.enabled", config.Watcher.Enabled)
	v.Set("watcher.debounce", config.Watcher.Debounce.String())
	v.Set("watcher.create_suppress_window", config.Watcher.CreateSuppressWindow.String())
	v.Set("watcher.ignore_timeout", config.Watcher.IgnoreTimeout.String())
	v.Set("watcher.event_buffer", config.Watcher.EventBuffer)
	v.Set("snapshot.save_delay", config.Snapshot.SaveDelay.String())

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return v.WriteConfigAs(path)
}

// DefaultPath is where `modelvault init` writes its config file.
func DefaultPath() string {
	return filepath.Join(defaultHome(), "config.yaml")
}
