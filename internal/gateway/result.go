package gateway

import (
	"time"

	"github.com/ushineko/fetchgate/internal/resolve"
)

// Class buckets a handled request for stats and metrics.
type Class string

// Request classes.
const (
	ClassFetched         Class = "fetched"
	ClassBadRequest      Class = "bad_request"
	ClassDenied          Class = "denied"
	ClassUpstreamTimeout Class = "upstream_timeout"
	ClassUpstreamError   Class = "upstream_error"
	ClassCancelled       Class = "cancelled"
	ClassInternal        Class = "internal_error"
)

// Classes lists every Class, in a stable order.
var Classes = []Class{
	ClassFetched,
	ClassBadRequest,
	ClassDenied,
	ClassUpstreamTimeout,
	ClassUpstreamError,
	ClassCancelled,
	ClassInternal,
}

// Result describes one handled request.
type Result struct {
	RequestID string
	ClientIP  string
	// Host is the lowercased candidate host; empty if resolution failed.
	Host string
	Kind resolve.Kind
	// Class is how the request ended.
	Class Class
	// Status is the status sent to the caller; zero if none was written.
	Status int
	// UpstreamStatus is the upstream's status when a fetch completed.
	UpstreamStatus int
	// Bytes is the upstream body size relayed to the caller.
	Bytes    int64
	Duration time.Duration
}

func (r *Result) fail(class Class, status int) {
	r.Class = class
	r.Status = status
}
