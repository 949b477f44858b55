package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ushineko/fetchgate/internal/allowlist"
	"github.com/ushineko/fetchgate/internal/config"
	"github.com/ushineko/fetchgate/internal/fetch"
	"github.com/ushineko/fetchgate/internal/resolve"
)

// errDenied is returned by check when the gateway would refuse the reference.
var errDenied = errors.New("reference would be denied")

// checkReference runs a reference through resolution and host validation
// the way the gateway does, and prints the outcome. Nothing is fetched.
func checkReference(w io.Writer, settings config.Settings, ref string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	defer tw.Flush() //nolint:errcheck // terminal output

	fmt.Fprintf(tw, "reference:\t%q\n", ref)
	fmt.Fprintf(tw, "base:\t%s\n", settings.BaseLocation())

	target, err := resolve.New(settings.BaseLocation()).Resolve(ref)
	if err != nil {
		fmt.Fprintf(tw, "verdict:\tmalformed (%v)\n", err)
		return fmt.Errorf("%w: %w", errDenied, err)
	}

	fmt.Fprintf(tw, "kind:\t%s\n", target.Kind)
	fmt.Fprintf(tw, "candidate:\t%s\n", target.URL)
	fmt.Fprintf(tw, "host:\t%s\n", target.Host)

	pattern, ok := allowlist.New(settings.AllowedHosts()).Match(target.Host)
	if !ok {
		fmt.Fprintf(tw, "verdict:\tdenied (host not on allow-list)\n")
		return errDenied
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		fmt.Fprintf(tw, "verdict:\tdenied (%v)\n", fetch.ErrDisallowedProtocol)
		return fmt.Errorf("%w: %w", errDenied, fetch.ErrDisallowedProtocol)
	}

	fmt.Fprintf(tw, "verdict:\tallowed (matches %s)\n", pattern)
	return nil
}
