package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"stratum/internal/cache"
	"stratum/internal/stream"
)

// Config holds all stratum configuration.
type Config struct {
	Name string `yaml:"name"`

	// Answer cache
	Cache CacheConfig `yaml:"cache"`

	// Strategy runs
	Run RunConfig `yaml:"run"`

	// Demonstration checks
	Demo DemoConfig `yaml:"demo"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// CacheConfig configures the answer cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Root    string `yaml:"root"`
	Mode    string `yaml:"mode"`   // read_only, write_only, read_write
	Format  string `yaml:"format"` // yaml, db
}

// RunConfig configures the run command.
type RunConfig struct {
	NumGenerated  int                `yaml:"num_generated"`
	Budget        map[string]float64 `yaml:"budget"`
	StatusRefresh string             `yaml:"status_refresh"`
	Policy        string             `yaml:"policy"`
	PolicyArgs    map[string]any     `yaml:"policy_args,omitempty"`
	ExportTrace   bool               `yaml:"export_trace"`
	ExportLog     bool               `yaml:"export_log"`
}

// DemoConfig configures demonstration checks.
type DemoConfig struct {
	// Parallelism bounds how many demonstrations of a file are evaluated
	// at once (0 means one per CPU).
	Parallelism int `yaml:"parallelism"`
}

// DefaultPath returns the config file location inside a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".stratum", "config.yaml")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "stratum",

		Cache: CacheConfig{
			Enabled: false,
			Root:    ".stratum/cache",
			Mode:    string(cache.ReadWrite),
			Format:  string(cache.FormatYAML),
		},

		Run: RunConfig{
			NumGenerated:  1,
			Budget:        map[string]float64{},
			StatusRefresh: "5s",
			Policy:        "dfs",
			ExportTrace:   true,
			ExportLog:     true,
		},

		Demo: DemoConfig{
			Parallelism: 0,
		},

		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if root := os.Getenv("STRATUM_CACHE_ROOT"); root != "" {
		c.Cache.Root = root
		c.Cache.Enabled = true
	}
	if mode := os.Getenv("STRATUM_CACHE_MODE"); mode != "" {
		c.Cache.Mode = mode
	}
	if format := os.Getenv("STRATUM_CACHE_FORMAT"); format != "" {
		c.Cache.Format = format
	}

	if v := os.Getenv("STRATUM_DEMO_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Demo.Parallelism = n
		}
	}

	if v := os.Getenv("STRATUM_DEBUG"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = on
		}
	}
	if level := os.Getenv("STRATUM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// GetStatusRefresh returns the run status log period as a duration.
func (c *Config) GetStatusRefresh() time.Duration {
	d, err := time.ParseDuration(c.Run.StatusRefresh)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// BudgetLimit returns the run budget as a stream limit.
func (c *Config) BudgetLimit() stream.Limit {
	if len(c.Run.Budget) == 0 {
		return nil
	}
	out := make(stream.Limit, len(c.Run.Budget))
	for k, v := range c.Run.Budget {
		out[k] = v
	}
	return out
}

// CacheSpec returns the cache to open, or false when caching is disabled.
func (c *Config) CacheSpec(workspace string) (cache.Spec, bool) {
	if !c.Cache.Enabled {
		return cache.Spec{}, false
	}
	root := c.Cache.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(workspace, root)
	}
	return cache.Spec{Root: root, Mode: cache.Mode(c.Cache.Mode), Format: cache.Format(c.Cache.Format)}, true
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := cache.ParseMode(c.Cache.Mode); err != nil {
		return err
	}
	if _, err := cache.ParseFormat(c.Cache.Format); err != nil {
		return err
	}
	if c.Cache.Enabled && c.Cache.Root == "" {
		return fmt.Errorf("cache is enabled but cache.root is empty")
	}
	if c.Run.NumGenerated < 1 {
		return fmt.Errorf("run.num_generated must be at least 1, got %d", c.Run.NumGenerated)
	}
	for metric, v := range c.Run.Budget {
		if v < 0 {
			return fmt.Errorf("run.budget.%s must not be negative", metric)
		}
	}
	if _, err := time.ParseDuration(c.Run.StatusRefresh); err != nil {
		return fmt.Errorf("invalid run.status_refresh %q: %w", c.Run.StatusRefresh, err)
	}
	if c.Demo.Parallelism < 0 {
		return fmt.Errorf("demo.parallelism must not be negative")
	}
	return nil
}
