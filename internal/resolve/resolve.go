/*
Package resolve turns an untrusted resource reference into a fully-qualified
candidate target.

A reference that starts with "scheme://" is absolute and used verbatim.
Anything else is relative: it is percent-encoded segment by segment and
appended to the trusted base location. Resolution never touches the network
and never decides whether a target may be fetched; that is the allow-list's
job.
*/
package resolve

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrMalformedReference reports a reference that cannot be turned into an
// absolute URL or that tries to traverse out of the base path.
var ErrMalformedReference = errors.New("malformed reference")

// Kind tags how a reference was interpreted.
type Kind int

const (
	// Relative references are joined onto the base location.
	Relative Kind = iota
	// Absolute references carry their own scheme and host.
	Absolute
)

func (k Kind) String() string {
	if k == Absolute {
		return "absolute"
	}
	return "relative"
}

var absolutePattern = regexp.MustCompile(`^[A-Za-z]+://`)

// Classify reports whether ref is absolute ("letters://...") or relative.
func Classify(ref string) Kind {
	if absolutePattern.MatchString(ref) {
		return Absolute
	}
	return Relative
}

// Target is a resolved, not yet validated fetch target. It lives for one
// request.
type Target struct {
	URL    string
	Scheme string
	// Host is the URL hostname without port or IPv6 brackets.
	Host string
	Kind Kind
}

// Resolver resolves references against one trusted base location.
type Resolver struct {
	base string
}

// New returns a Resolver for base. The base is expected to be an absolute
// URL already validated by the config package; a trailing "/" is added if
// missing.
func New(base string) *Resolver {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &Resolver{base: base}
}

// Base returns the base location with its trailing slash.
func (r *Resolver) Base() string {
	return r.base
}

// Resolve builds the candidate target for ref. The same reference always
// resolves to the same target.
func (r *Resolver) Resolve(ref string) (Target, error) {
	if strings.TrimSpace(ref) == "" {
		return Target{}, fmt.Errorf("%w: empty reference", ErrMalformedReference)
	}

	kind := Classify(ref)
	if hasTraversal(ref, kind) {
		return Target{}, fmt.Errorf("%w: path traversal segment", ErrMalformedReference)
	}

	raw := ref
	if kind == Relative {
		raw = r.base + encodePath(strings.TrimPrefix(ref, "/"))
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrMalformedReference, unwrapURLError(err))
	}
	if !u.IsAbs() {
		return Target{}, fmt.Errorf("%w: not an absolute URL", ErrMalformedReference)
	}

	return Target{
		URL:    raw,
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Kind:   kind,
	}, nil
}

// encodePath percent-encodes each "/"-separated segment of a relative
// reference. Spaces become %20, never "+".
func encodePath(ref string) string {
	segments := strings.Split(ref, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// hasTraversal reports whether ref contains a ".." path segment, either
// literally or percent-encoded, with "/" or "\" as separator. Query and
// fragment of an absolute reference are ignored; a relative reference has
// none, since "?" and "#" are encoded into its path.
func hasTraversal(ref string, kind Kind) bool {
	candidates := []string{ref}
	if decoded, err := url.PathUnescape(ref); err == nil && decoded != ref {
		candidates = append(candidates, decoded)
	}

	for _, c := range candidates {
		if kind == Absolute {
			if i := strings.IndexAny(c, "?#"); i >= 0 {
				c = c[:i]
			}
		}
		for _, seg := range strings.FieldsFunc(c, func(r rune) bool { return r == '/' || r == '\\' }) {
			if seg == ".." {
				return true
			}
		}
	}
	return false
}

// unwrapURLError strips the *url.Error wrapper, which repeats the whole
// input string, so log lines and error text stay short.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
