/*
Package version reports the fgwd build identity. The variables are
injected with ldflags at build time:

	go build -ldflags "-X github.com/ushineko/fetchgate/internal/version.Version=0.1.0 -X github.com/ushineko/fetchgate/internal/version.Commit=abc1234" ./cmd/fgwd

The same identity is sent upstream in the default User-Agent.
*/
package version

import (
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info is the build identity in a form suitable for JSON output.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build identity of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    abbrev(Commit),
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String renders the identity on one line for `fgwd version`.
func (i Info) String() string {
	return fmt.Sprintf("fgwd %s (commit: %s, built: %s, %s, %s)",
		i.Version, i.Commit, i.Date, i.GoVersion, i.Platform)
}

// Full is shorthand for Get().String().
func Full() string { return Get().String() }

// Short returns the bare version.
func Short() string { return Version }

// UserAgent is the outbound User-Agent used when none is configured.
func UserAgent() string { return "fgwd/" + Version }

func abbrev(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}
