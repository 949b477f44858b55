/*
Package gateway implements the fetch endpoint: it reads one query
parameter, resolves it into a candidate target, checks the target host
against the allow-list, performs one outbound fetch, and maps the result
onto the inbound response.

Every request is handled by one worker slot from a fixed-size pool. Every
failure is mapped to a response here; nothing escapes to the server. A host
rejected by the allow-list is never fetched and never echoed back.
*/
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ushineko/fetchgate/internal/fetch"
	"github.com/ushineko/fetchgate/internal/resolve"
)

// ErrPolicyViolation marks a candidate whose host is not on the allow-list.
var ErrPolicyViolation = errors.New("policy violation")

// Response bodies. None of them carries caller input or upstream detail.
const (
	msgMethodNotAllowed = "Method Not Allowed"
	msgMalformed        = "Bad Request: malformed resource reference."
	msgDenied           = "Access denied: policy violation."
	msgProtocol         = "Access denied: protocol not permitted."
	msgTimeout          = "Error fetching resource: upstream timed out."
	msgUnavailable      = "Error fetching resource: upstream unavailable."
	msgInternal         = "An unexpected server error occurred."
)

// Resolver turns a raw reference into a candidate target.
type Resolver interface {
	Resolve(ref string) (resolve.Target, error)
}

// Validator decides whether a host may be fetched.
type Validator interface {
	Allows(host string) bool
}

// Fetcher performs the outbound fetch for an allowed target.
type Fetcher interface {
	Fetch(ctx context.Context, target resolve.Target) (fetch.Outcome, error)
}

// Config holds gateway handler configuration.
type Config struct {
	// Param is the query parameter carrying the reference. Empty uses "dataRef".
	Param string
	// Workers is the number of requests handled concurrently. Zero uses 10.
	Workers int
	// Resolver, Validator and Fetcher are required.
	Resolver  Resolver
	Validator Validator
	Fetcher   Fetcher
	// Logger is the structured logger to use. If nil, slog.Default is used.
	Logger *slog.Logger
	// OnResult is called once per handled request. Used to record stats.
	OnResult func(Result)
}

// Handler is the fetch endpoint http.Handler.
type Handler struct {
	param     string
	pool      *pool
	resolver  Resolver
	validator Validator
	fetcher   Fetcher
	logger    *slog.Logger
	onResult  func(Result)
}

// New creates a gateway handler with the given configuration.
func New(cfg *Config) *Handler {
	param := cfg.Param
	if param == "" {
		param = "dataRef"
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 10
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		param:     param,
		pool:      newPool(workers),
		resolver:  cfg.Resolver,
		validator: cfg.Validator,
		fetcher:   cfg.Fetcher,
		logger:    logger,
		onResult:  cfg.OnResult,
	}
}

// Workers returns the pool size.
func (h *Handler) Workers() int {
	return h.pool.size()
}

// WorkersBusy returns the number of requests currently holding a worker.
func (h *Handler) WorkersBusy() int {
	return h.pool.inUse()
}

// ServeHTTP runs one request through ParseParam, Resolve, Validate, Fetch
// and Respond, stopping at the first failure.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res := Result{
		RequestID: uuid.NewString(),
		ClientIP:  clientIP(r.RemoteAddr),
	}
	w.Header().Set("X-Request-Id", res.RequestID)

	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("gateway panic",
				"request_id", res.RequestID,
				"panic", fmt.Sprint(p),
			)
			res.fail(ClassInternal, http.StatusInternalServerError)
			writeText(w, http.StatusInternalServerError, msgInternal)
		}
		res.Duration = time.Since(start)
		h.finish(res)
	}()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		res.fail(ClassBadRequest, http.StatusMethodNotAllowed)
		writeText(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
		return
	}

	if !h.pool.acquire(r.Context()) {
		res.fail(ClassCancelled, 0)
		return
	}
	defer h.pool.release()

	h.handle(w, r, &res)
}

// handle is the per-request state machine, run while holding a worker.
func (h *Handler) handle(w http.ResponseWriter, r *http.Request, res *Result) {
	// ParseParam.
	ref := r.URL.Query().Get(h.param)
	if strings.TrimSpace(ref) == "" {
		res.fail(ClassBadRequest, http.StatusBadRequest)
		writeText(w, http.StatusBadRequest, fmt.Sprintf("Bad Request: missing '%s' query parameter.", h.param))
		return
	}

	// Resolve.
	target, err := h.resolver.Resolve(ref)
	if err != nil {
		h.logger.Warn("bad reference",
			"request_id", res.RequestID,
			"remote", res.ClientIP,
			"error", err,
		)
		res.fail(ClassBadRequest, http.StatusBadRequest)
		writeText(w, http.StatusBadRequest, msgMalformed)
		return
	}
	res.Host = strings.ToLower(target.Host)
	res.Kind = target.Kind

	// Validate.
	if !h.validator.Allows(target.Host) {
		h.logger.Warn("policy violation",
			"request_id", res.RequestID,
			"remote", res.ClientIP,
			"host", target.Host,
			"kind", target.Kind.String(),
			"error", ErrPolicyViolation,
		)
		res.fail(ClassDenied, http.StatusForbidden)
		writeText(w, http.StatusForbidden, msgDenied)
		return
	}

	// Fetch.
	out, err := h.fetcher.Fetch(r.Context(), target)
	if err != nil {
		h.fetchFailed(w, res, err)
		return
	}

	// Respond.
	res.UpstreamStatus = out.StatusCode
	if !relayable(out.StatusCode) {
		h.logger.Warn("fetch failed",
			"request_id", res.RequestID,
			"remote", res.ClientIP,
			"host", res.Host,
			"class", string(ClassUpstreamError),
			"upstream_status", out.StatusCode,
			"error", "upstream status cannot be relayed",
		)
		res.fail(ClassUpstreamError, http.StatusBadGateway)
		writeText(w, http.StatusBadGateway, msgUnavailable)
		return
	}
	res.Bytes = int64(len(out.Body))
	res.Class = ClassFetched

	if out.Body == "" {
		res.Status = http.StatusOK
		writeText(w, http.StatusOK, fmt.Sprintf("Response Code: %d (No data stream)", out.StatusCode))
		return
	}
	res.Status = out.StatusCode
	writeText(w, out.StatusCode, out.Body)
}

// relayable reports whether an upstream status can be passed on as a final
// response. The client accepts any three-digit code; 1xx is never final.
func relayable(status int) bool {
	return status >= 200 && status <= 999
}

// fetchFailed maps a fetch error onto the response. Unclassified errors
// are logged in full and answered with a generic 500.
func (h *Handler) fetchFailed(w http.ResponseWriter, res *Result, err error) {
	var (
		class  Class
		status int
		msg    string
	)

	switch {
	case errors.Is(err, fetch.ErrDisallowedProtocol):
		class, status, msg = ClassDenied, http.StatusForbidden, msgProtocol
	case errors.Is(err, fetch.ErrUpstreamTimeout):
		class, status, msg = ClassUpstreamTimeout, http.StatusBadGateway, msgTimeout
	case errors.Is(err, fetch.ErrUpstreamUnavailable), errors.Is(err, fetch.ErrBodyTooLarge):
		class, status, msg = ClassUpstreamError, http.StatusBadGateway, msgUnavailable
	case errors.Is(err, context.Canceled):
		class, status, msg = ClassCancelled, http.StatusBadGateway, msgUnavailable
	default:
		h.logger.Error("unexpected fetch error",
			"request_id", res.RequestID,
			"host", res.Host,
			"error", err,
		)
		res.fail(ClassInternal, http.StatusInternalServerError)
		writeText(w, http.StatusInternalServerError, msgInternal)
		return
	}

	h.logger.Warn("fetch failed",
		"request_id", res.RequestID,
		"remote", res.ClientIP,
		"host", res.Host,
		"class", string(class),
		"error", err,
	)
	res.fail(class, status)
	writeText(w, status, msg)
}

// finish logs the request summary and reports it to the observer.
func (h *Handler) finish(res Result) {
	h.logger.Info("fetch request",
		"request_id", res.RequestID,
		"remote", res.ClientIP,
		"host", res.Host,
		"class", string(res.Class),
		"status", res.Status,
		"upstream_status", res.UpstreamStatus,
		"bytes", res.Bytes,
		"duration_ms", res.Duration.Milliseconds(),
	)
	if h.onResult != nil {
		h.onResult(res)
	}
}

// writeText writes a plain-text response.
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body) //nolint:errcheck // best-effort response
}

// clientIP strips the port from a RemoteAddr.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
