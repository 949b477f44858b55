package probe

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ushineko/fetchgate/internal/stats"
)

const (
	defaultTopN = 10
	maxTopN     = 100
)

// StatsProvider holds the sources the stats endpoint reads from.
type StatsProvider struct {
	Info      ServerInfo
	Collector *stats.Collector
	// DB is the persistent stats store. If nil, only in-memory counters
	// since startup are reported.
	DB *stats.DB
}

// StatsResponse is the JSON structure returned by the stats endpoint.
type StatsResponse struct {
	UptimeSeconds int64         `json:"uptime_seconds"`
	Persistent    bool          `json:"persistent"`
	Requests      RequestsBlock `json:"requests"`
	Last24h       *TotalsBlock  `json:"last_24h,omitempty"`
	TopHosts      []HostEntry   `json:"top_hosts"`
	TopDenied     []HostEntry   `json:"top_denied"`
	TopFailed     []HostEntry   `json:"top_failed"`
	TopClients    []ClientEntry `json:"top_clients"`
}

// TotalsBlock holds aggregate request counters.
type TotalsBlock struct {
	Total  int64 `json:"total"`
	Denied int64 `json:"denied"`
	Failed int64 `json:"failed"`
	Bytes  int64 `json:"bytes"`
}

// RequestsBlock holds counters since startup, with a per-class breakdown.
type RequestsBlock struct {
	TotalsBlock
	ByClass map[string]int64 `json:"by_class"`
}

// HostEntry is a host with its counter value.
type HostEntry struct {
	Host  string `json:"host"`
	Count int64  `json:"count"`
}

// ClientEntry is a per-client traffic summary.
type ClientEntry struct {
	IP       string `json:"ip"`
	Requests int64  `json:"requests"`
	Denied   int64  `json:"denied"`
	Failed   int64  `json:"failed"`
	Bytes    int64  `json:"bytes"`
}

// StatsHandler returns an http.HandlerFunc that serves the stats response.
// The optional n query parameter sets the length of the top lists.
func StatsHandler(p *StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := topN(r.URL.Query().Get("n"))

		totals := p.Collector.Totals()
		byClass := make(map[string]int64)
		for class, count := range p.Collector.ClassCounts() {
			byClass[string(class)] = count
		}

		resp := StatsResponse{
			UptimeSeconds: int64(p.Info.Uptime().Seconds()),
			Persistent:    p.DB != nil,
			Requests: RequestsBlock{
				TotalsBlock: totalsBlock(totals),
				ByClass:     byClass,
			},
		}

		if p.DB != nil {
			last := totalsBlock(p.DB.TrafficTotalsSince(time.Now().Add(-24 * time.Hour)))
			resp.Last24h = &last
			resp.TopHosts = hostEntries(p.DB.MergedTopHosts(n))
			resp.TopDenied = hostEntries(p.DB.MergedTopDenied(n))
			resp.TopFailed = hostEntries(p.DB.MergedTopFailed(n))
			resp.TopClients = clientEntries(p.DB.MergedTopClients(n))
		} else {
			resp.TopHosts = hostEntries(stats.Top(p.Collector.SnapshotHostFetches(), n))
			resp.TopDenied = hostEntries(stats.Top(p.Collector.SnapshotHostDenials(), n))
			resp.TopFailed = hostEntries(stats.Top(p.Collector.SnapshotHostFailures(), n))
			resp.TopClients = clientEntries(stats.TopClients(p.Collector.SnapshotClients(), n))
		}

		writeJSON(w, resp)
	}
}

// topN parses the n parameter, clamped to [1, maxTopN].
func topN(raw string) int {
	n, err := strconv.Atoi(raw)
	switch {
	case err != nil || n <= 0:
		return defaultTopN
	case n > maxTopN:
		return maxTopN
	default:
		return n
	}
}

func totalsBlock(t stats.Totals) TotalsBlock {
	return TotalsBlock{Total: t.Requests, Denied: t.Denied, Failed: t.Failed, Bytes: t.Bytes}
}

func hostEntries(in []stats.HostCount) []HostEntry {
	out := make([]HostEntry, 0, len(in))
	for _, hc := range in {
		out = append(out, HostEntry{Host: hc.Host, Count: hc.Count})
	}
	return out
}

func clientEntries(in []stats.ClientSnapshot) []ClientEntry {
	out := make([]ClientEntry, 0, len(in))
	for _, cs := range in {
		out = append(out, ClientEntry{
			IP:       cs.IP,
			Requests: cs.Requests,
			Denied:   cs.Denied,
			Failed:   cs.Failed,
			Bytes:    cs.Bytes,
		})
	}
	return out
}
