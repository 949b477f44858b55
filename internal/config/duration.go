package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes YAML as a Go duration
// string ("750ms", "5s", "1m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string. Bare numbers are rejected so a
// timeout is never silently read as nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode || value.ShortTag() == "!!int" || value.ShortTag() == "!!float" {
		return fmt.Errorf("line %d: duration must be a string such as \"5s\" or \"750ms\"", value.Line)
	}

	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}

	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in its String form.
func (d Duration) MarshalYAML() (any, error) { //nolint:unparam // yaml.Marshaler
	return d.String(), nil
}
