package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Settings is the immutable gateway configuration shared read-only by all
// request-scoped work. The zero value is not usable; build one with
// NewSettings or Config.Settings.
type Settings struct {
	baseLocation string
	fetchTimeout time.Duration
	allowedHosts []string
	maxBodyBytes int64
	userAgent    string
}

// NewSettings validates the gateway values and returns them as an immutable
// Settings. A missing, empty or non-absolute base location, or a
// non-positive timeout, yields a *ConfigurationError.
func NewSettings(baseLocation string, fetchTimeout time.Duration, allowedHosts []string) (Settings, error) {
	var errs []string

	if err := checkBaseLocation(baseLocation); err != nil {
		errs = append(errs, fmt.Sprintf("gateway.base_location: %v", err))
	}
	if fetchTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("gateway.fetch_timeout: must be positive, got %s", fetchTimeout))
	}
	if len(errs) > 0 {
		return Settings{}, &ConfigurationError{Problems: errs}
	}

	hosts := make([]string, len(allowedHosts))
	copy(hosts, allowedHosts)

	return Settings{
		baseLocation: strings.TrimSpace(baseLocation),
		fetchTimeout: fetchTimeout,
		allowedHosts: hosts,
		maxBodyBytes: Default().Gateway.MaxBodyBytes,
	}, nil
}

// Settings validates the whole config and derives the gateway Settings.
func (c *Config) Settings() (Settings, error) {
	if err := c.Validate(); err != nil {
		return Settings{}, err
	}
	s, err := NewSettings(c.Gateway.BaseLocation, c.Gateway.FetchTimeout.Duration, c.Gateway.AllowedHosts)
	if err != nil {
		return Settings{}, err
	}
	s.maxBodyBytes = c.Gateway.MaxBodyBytes
	if ua := strings.TrimSpace(c.Gateway.UserAgent); ua != "" {
		s.userAgent = ua
	}
	return s, nil
}

// BaseLocation returns the trusted base URL.
func (s Settings) BaseLocation() string { return s.baseLocation }

// FetchTimeout returns the per-phase outbound fetch timeout.
func (s Settings) FetchTimeout() time.Duration { return s.fetchTimeout }

// AllowedHosts returns a copy of the ordered allow-list.
func (s Settings) AllowedHosts() []string {
	out := make([]string, len(s.allowedHosts))
	copy(out, s.allowedHosts)
	return out
}

// MaxBodyBytes returns the upstream body size cap.
func (s Settings) MaxBodyBytes() int64 { return s.maxBodyBytes }

// UserAgent returns the outbound User-Agent header value.
func (s Settings) UserAgent() string { return s.userAgent }

// checkBaseLocation requires an absolute http(s) URL with a host and
// nothing after the path.
func checkBaseLocation(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("must be set")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("must be an absolute URL, got %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("must include a host, got %q", raw)
	}
	if u.User != nil {
		return fmt.Errorf("must not carry user info, got %q", raw)
	}
	if u.RawQuery != "" || u.ForceQuery || u.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("must not carry a query or fragment, got %q", raw)
	}
	return nil
}
