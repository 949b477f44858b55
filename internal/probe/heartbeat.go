/*
Package probe implements the fgwd management endpoints: heartbeat, a
liveness and configuration summary, and stats, the traffic summary built
from the in-memory collector and the stats database.
*/
package probe

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ushineko/fetchgate/internal/version"
)

// ServiceName is reported by the heartbeat endpoint.
const ServiceName = "fetchgate"

// ServerInfo provides read access to server metrics.
type ServerInfo interface {
	ConnectionsTotal() int64
	ConnectionsActive() int64
	Uptime() time.Duration
	StartedAt() time.Time
}

// Pool reports the gateway worker pool usage.
type Pool interface {
	Workers() int
	WorkersBusy() int
}

// GatewayInfo is the static gateway configuration reported by heartbeat.
// The allow-list itself is never exposed, only its size.
type GatewayInfo struct {
	AllowlistSize int
	FetchTimeout  time.Duration
	Pool          Pool
}

// HeartbeatResponse is the JSON structure returned by the heartbeat endpoint.
type HeartbeatResponse struct {
	Status            string         `json:"status"`
	Service           string         `json:"service"`
	Version           string         `json:"version"`
	StartedAt         string         `json:"started_at"`
	UptimeSeconds     int64          `json:"uptime_seconds"`
	ConnectionsTotal  int64          `json:"connections_total"`
	ConnectionsActive int64          `json:"connections_active"`
	AllowlistSize     int            `json:"allowlist_size"`
	FetchTimeoutMS    int64          `json:"fetch_timeout_ms"`
	Workers           int            `json:"workers"`
	WorkersBusy       int            `json:"workers_busy"`
	Resources         ResourcesBlock `json:"resources"`
}

// HeartbeatHandler returns an http.HandlerFunc that serves the heartbeat
// response. Status is "ok", or "degraded" when the allow-list is empty and
// every fetch will be denied.
func HeartbeatHandler(info ServerInfo, gw GatewayInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := "ok"
		if gw.AllowlistSize == 0 {
			status = "degraded"
		}

		resp := HeartbeatResponse{
			Status:            status,
			Service:           ServiceName,
			Version:           version.Short(),
			StartedAt:         info.StartedAt().UTC().Format(time.RFC3339),
			UptimeSeconds:     int64(info.Uptime().Seconds()),
			ConnectionsTotal:  info.ConnectionsTotal(),
			ConnectionsActive: info.ConnectionsActive(),
			AllowlistSize:     gw.AllowlistSize,
			FetchTimeoutMS:    gw.FetchTimeout.Milliseconds(),
			Resources:         collectResources(),
		}
		if gw.Pool != nil {
			resp.Workers = gw.Pool.Workers()
			resp.WorkersBusy = gw.Pool.WorkersBusy()
		}

		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
