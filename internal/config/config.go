/*
Package config handles YAML configuration loading, environment overlay,
validation, and CLI flag merging for fgwd.

Configuration is resolved in this order (highest priority first):
 1. CLI flags (explicitly passed)
 2. FGW_* environment variables
 3. Config file values
 4. Built-in defaults

The file is decoded with yaml.v3. Flags and environment are layered on top
through one viper overlay (see NewOverlay).

The gateway section is turned into an immutable Settings value once at
startup and handed to each component explicitly.
*/
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for fgwd.
type Config struct {
	Listen     string     `yaml:"listen"`
	LogDir     string     `yaml:"log_dir"`
	Verbose    bool       `yaml:"verbose"`
	DataDir    string     `yaml:"data_dir"`
	Gateway    Gateway    `yaml:"gateway"`
	Timeouts   Timeouts   `yaml:"timeouts"`
	Management Management `yaml:"management"`
	Stats      Stats      `yaml:"stats"`
}

// Gateway holds the outbound fetch gateway configuration.
type Gateway struct {
	// BaseLocation is the trusted root URL relative references resolve against.
	BaseLocation string `yaml:"base_location"`
	// FetchTimeout bounds connect, response header and body read of one fetch.
	FetchTimeout Duration `yaml:"fetch_timeout"`
	// AllowedHosts is the ordered host allow-list. Each entry admits the host
	// itself and any of its subdomains.
	AllowedHosts []string `yaml:"allowed_hosts"`
	// Path is the URL path of the fetch endpoint.
	Path string `yaml:"path"`
	// Param is the query parameter carrying the resource reference.
	Param string `yaml:"param"`
	// Workers is the number of requests processed concurrently.
	Workers int `yaml:"workers"`
	// MaxBodyBytes caps the upstream body read into memory.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// UserAgent is sent on every outbound request. Empty sends fgwd/<version>.
	UserAgent string `yaml:"user_agent"`
}

// Timeouts holds server timeout configuration.
type Timeouts struct {
	Shutdown   Duration `yaml:"shutdown"`
	ReadHeader Duration `yaml:"read_header"`
}

// Management holds management endpoint configuration.
type Management struct {
	PathPrefix string `yaml:"path_prefix"`
	// RecentLogs is how many log records the logs endpoint keeps. Zero disables it.
	RecentLogs int `yaml:"recent_logs"`
}

// Stats holds statistics collection configuration.
type Stats struct {
	Enabled       bool     `yaml:"enabled"`
	FlushInterval Duration `yaml:"flush_interval"`
	// MaxKeys bounds the distinct clients and hosts tracked per counter.
	// Further ones are counted under "(other)".
	MaxKeys int `yaml:"max_keys"`
}

// Default returns a Config populated with built-in defaults. The base
// location has no default and must always be configured.
func Default() Config {
	return Config{
		Listen:  ":8080",
		LogDir:  "logs",
		Verbose: false,
		DataDir: ".",
		Gateway: Gateway{
			FetchTimeout: Duration{5 * time.Second},
			Path:         "/fetch",
			Param:        "dataRef",
			Workers:      10,
			MaxBodyBytes: 10 << 20,
		},
		Timeouts: Timeouts{
			Shutdown:   Duration{5 * time.Second},
			ReadHeader: Duration{10 * time.Second},
		},
		Management: Management{
			PathPrefix: "/fgw",
			RecentLogs: 500,
		},
		Stats: Stats{
			Enabled:       true,
			FlushInterval: Duration{60 * time.Second},
			MaxKeys:       1000,
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for fgwd.yml or fgwd.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"fgwd.yml", "fgwd.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Validate checks the config for invalid values and returns a
// *ConfigurationError describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen: invalid address %q: %v", c.Listen, err))
	}

	if err := checkBaseLocation(c.Gateway.BaseLocation); err != nil {
		errs = append(errs, fmt.Sprintf("gateway.base_location: %v", err))
	}
	if c.Gateway.FetchTimeout.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("gateway.fetch_timeout: must be positive, got %s", c.Gateway.FetchTimeout))
	}
	errs = append(errs, validateAllowedHosts(c.Gateway.AllowedHosts)...)
	if !strings.HasPrefix(c.Gateway.Path, "/") {
		errs = append(errs, fmt.Sprintf("gateway.path: must start with /, got %q", c.Gateway.Path))
	}
	if strings.TrimSpace(c.Gateway.Param) == "" {
		errs = append(errs, "gateway.param: must not be empty")
	}
	if c.Gateway.Workers <= 0 {
		errs = append(errs, fmt.Sprintf("gateway.workers: must be positive, got %d", c.Gateway.Workers))
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Sprintf("gateway.max_body_bytes: must be positive, got %d", c.Gateway.MaxBodyBytes))
	}

	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}
	if c.Timeouts.ReadHeader.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.read_header: must be positive, got %s", c.Timeouts.ReadHeader))
	}

	if c.Stats.Enabled && c.Stats.FlushInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("stats.flush_interval: must be positive, got %s", c.Stats.FlushInterval))
	}

	if c.Stats.MaxKeys <= 0 {
		errs = append(errs, fmt.Sprintf("stats.max_keys: must be positive, got %d", c.Stats.MaxKeys))
	}

	if c.Management.RecentLogs < 0 {
		errs = append(errs, fmt.Sprintf("management.recent_logs: must not be negative, got %d", c.Management.RecentLogs))
	}
	if !strings.HasPrefix(c.Management.PathPrefix, "/") {
		errs = append(errs, fmt.Sprintf("management.path_prefix: must start with /, got %q", c.Management.PathPrefix))
	} else if strings.HasPrefix(c.Gateway.Path, c.Management.PathPrefix+"/") {
		errs = append(errs, fmt.Sprintf("gateway.path: %q collides with management.path_prefix %q", c.Gateway.Path, c.Management.PathPrefix))
	}

	if len(errs) > 0 {
		return &ConfigurationError{Problems: errs}
	}

	return nil
}

// validateAllowedHosts checks that allow-list entries are bare host names,
// optionally written in the *.domain form.
func validateAllowedHosts(entries []string) []string {
	var errs []string
	for i, entry := range entries {
		host := strings.TrimPrefix(strings.TrimSpace(entry), "*.")
		switch {
		case net.ParseIP(host) != nil:
		case host == "":
			errs = append(errs, fmt.Sprintf("gateway.allowed_hosts[%d]: invalid entry %q", i, entry))
		case strings.ContainsAny(host, "/:@ *?#"):
			errs = append(errs, fmt.Sprintf("gateway.allowed_hosts[%d]: must be a bare host name, got %q", i, entry))
		}
	}
	return errs
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
