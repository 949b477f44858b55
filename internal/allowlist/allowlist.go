/*
Package allowlist decides whether a candidate host may be fetched.

A pattern admits the host equal to it and every subdomain of it: pattern
"data.internal" admits "data.internal" and "v2.data.internal" but never
"data.internal.attacker.net" or "evildata.internal". The older "*.domain"
spelling is accepted and means the same thing. Matching is
case-insensitive. An empty list admits nothing.
*/
package allowlist

import (
	"strings"

	"github.com/ushineko/fetchgate/internal/resolve"
)

// List is an immutable, ordered set of host patterns. It is safe for
// concurrent use.
type List struct {
	patterns []string
}

// New builds a List from configured entries. Entries are trimmed and
// lowercased; a leading "*." and a trailing "." are dropped. Empty entries
// and duplicates are skipped, and the first occurrence keeps its position.
func New(entries []string) *List {
	seen := make(map[string]struct{}, len(entries))
	patterns := make([]string, 0, len(entries))

	for _, entry := range entries {
		p := normalize(strings.TrimPrefix(strings.TrimSpace(entry), "*."))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		patterns = append(patterns, p)
	}

	return &List{patterns: patterns}
}

// Allows reports whether host is admitted by any pattern.
func (l *List) Allows(host string) bool {
	_, ok := l.Match(host)
	return ok
}

// Match returns the first pattern that admits host.
func (l *List) Match(host string) (string, bool) {
	host = normalize(host)
	if host == "" || l == nil {
		return "", false
	}
	for _, p := range l.patterns {
		if host == p || strings.HasSuffix(host, "."+p) {
			return p, true
		}
	}
	return "", false
}

// Patterns returns a copy of the normalized patterns in order.
func (l *List) Patterns() []string {
	out := make([]string, len(l.patterns))
	copy(out, l.patterns)
	return out
}

// Size returns the number of distinct patterns.
func (l *List) Size() int {
	return len(l.patterns)
}

// IsAllowed reports whether target's host is admitted by patterns. It is
// the one-shot form of New(patterns).Allows(target.Host).
func IsAllowed(target resolve.Target, patterns []string) bool {
	return New(patterns).Allows(target.Host)
}

// normalize lowercases s and drops surrounding whitespace and a single
// trailing dot, so "Data.Internal." and "data.internal" compare equal.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimSuffix(s, ".")
}
