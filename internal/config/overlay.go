package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces the environment overlay. Every overlay key can be set
// as FGW_<KEY> with dashes turned into underscores, e.g. FGW_LOG_DIR.
const EnvPrefix = "FGW"

// Environment variables whose names differ from their flag.
const (
	EnvBaseLocation   = "FGW_BASE_LOCATION"
	EnvFetchTimeoutMS = "FGW_FETCH_TIMEOUT_MS"
	EnvAllowedHosts   = "FGW_ALLOWED_HOSTS"
	EnvListen         = "FGW_LISTEN"
	EnvWorkers        = "FGW_WORKERS"
)

// Overlay keys. They are spelled like the fgwd flags so BindPFlags lines
// them up.
const (
	KeyAddr         = "addr"
	KeyLogDir       = "log-dir"
	KeyVerbose      = "verbose"
	KeyDataDir      = "data-dir"
	KeyBaseLocation = "base-location"
	KeyFetchTimeout = "fetch-timeout"
	KeyAllowedHosts = "allowed-host"
	KeyWorkers      = "workers"

	keyFetchTimeoutMS = "fetch-timeout-ms"
)

// NewOverlay returns a viper instance reading FGW_* environment variables
// and, when flags is non-nil, the flags in it. A flag only counts once it
// has been set explicitly, and it beats the environment.
func NewOverlay(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	aliases := map[string]string{
		KeyAddr:           EnvListen,
		KeyAllowedHosts:   EnvAllowedHosts,
		keyFetchTimeoutMS: EnvFetchTimeoutMS,
	}
	for key, env := range aliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	return v, nil
}

// ApplyOverlay copies every key set in v onto the config. Values that do
// not parse are collected into a *ConfigurationError and leave the field
// untouched.
func (c *Config) ApplyOverlay(v *viper.Viper) error {
	var errs []string

	if v.IsSet(KeyAddr) {
		c.Listen = strings.TrimSpace(v.GetString(KeyAddr))
	}
	if v.IsSet(KeyLogDir) {
		c.LogDir = v.GetString(KeyLogDir)
	}
	if v.IsSet(KeyVerbose) {
		b, err := strconv.ParseBool(strings.TrimSpace(v.GetString(KeyVerbose)))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: must be a boolean, got %q", KeyVerbose, v.GetString(KeyVerbose)))
		} else {
			c.Verbose = b
		}
	}
	if v.IsSet(KeyDataDir) {
		c.DataDir = v.GetString(KeyDataDir)
	}
	if v.IsSet(KeyBaseLocation) {
		c.Gateway.BaseLocation = strings.TrimSpace(v.GetString(KeyBaseLocation))
	}

	// The duration key is applied last so --fetch-timeout beats
	// FGW_FETCH_TIMEOUT_MS.
	if v.IsSet(keyFetchTimeoutMS) {
		raw := v.GetString(keyFetchTimeoutMS)
		ms, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || ms <= 0 {
			errs = append(errs, fmt.Sprintf("%s: must be a positive integer, got %q", EnvFetchTimeoutMS, raw))
		} else {
			c.Gateway.FetchTimeout = Duration{time.Duration(ms) * time.Millisecond}
		}
	}
	if v.IsSet(KeyFetchTimeout) {
		raw := v.GetString(KeyFetchTimeout)
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("%s: must be a positive duration, got %q", KeyFetchTimeout, raw))
		} else {
			c.Gateway.FetchTimeout = Duration{d}
		}
	}

	if v.IsSet(KeyAllowedHosts) {
		c.Gateway.AllowedHosts = stringList(v.Get(KeyAllowedHosts))
	}
	if v.IsSet(KeyWorkers) {
		raw := v.GetString(KeyWorkers)
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: must be an integer, got %q", KeyWorkers, raw))
		} else {
			c.Gateway.Workers = n
		}
	}

	if len(errs) > 0 {
		return &ConfigurationError{Problems: errs}
	}
	return nil
}

// stringList normalizes a list value. Environment values arrive as one
// comma-separated string, repeated flags as a slice.
func stringList(val any) []string {
	var parts []string
	switch x := val.(type) {
	case string:
		parts = strings.Split(x, ",")
	case []string:
		parts = x
	case []any:
		for _, p := range x {
			parts = append(parts, fmt.Sprint(p))
		}
	}

	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
