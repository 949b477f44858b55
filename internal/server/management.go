package server

import (
	"net/http"
)

// handleManagement routes requests under the management prefix to the
// appropriate endpoint.
func (s *Server) handleManagement(w http.ResponseWriter, r *http.Request) {
	var h http.Handler
	switch r.URL.Path {
	case s.managementPrefix + "/heartbeat":
		if s.heartbeatHandler != nil {
			h = s.heartbeatHandler
		}
	case s.managementPrefix + "/stats":
		if s.statsHandler != nil {
			h = s.statsHandler
		}
	case s.managementPrefix + "/metrics":
		h = s.metricsHandler
	case s.managementPrefix + "/logs":
		h = s.logsHandler
	}

	if h == nil {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.ServeHTTP(w, r)
}
