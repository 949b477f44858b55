/*
Package stats provides in-memory counters, Prometheus metrics and SQLite
persistence for gateway request statistics.

The Collector accumulates per-client and per-host counters in memory using
atomic operations for lock-free increments. Hosts come from caller input, so
every keyed map holds at most a fixed number of distinct keys; later keys
share the OtherKey bucket. A background flush loop periodically writes
deltas to a SQLite database for persistence across restarts.
*/
package stats

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ushineko/fetchgate/internal/gateway"
)

// DefaultMaxKeys is the per-map key limit used by NewCollector.
const DefaultMaxKeys = 1000

// OtherKey collects the counts of keys seen after a map is full.
const OtherKey = "(other)"

// boundedMap is a sync.Map that admits at most max distinct keys, not
// counting OtherKey.
type boundedMap struct {
	m    sync.Map
	size atomic.Int64
	max  int64
}

// load returns the value for key, creating it with newVal if there is
// room, or the OtherKey value if not.
func (b *boundedMap) load(key string, newVal func() any) any {
	if v, ok := b.m.Load(key); ok {
		return v
	}
	if b.size.Add(1) > b.max {
		b.size.Add(-1)
		v, _ := b.m.LoadOrStore(OtherKey, newVal())
		return v
	}
	v, loaded := b.m.LoadOrStore(key, newVal())
	if loaded {
		b.size.Add(-1)
	}
	return v
}

func (b *boundedMap) incr(key string) {
	v := b.load(key, func() any { return &atomic.Int64{} })
	v.(*atomic.Int64).Add(1)
}

// clientStats holds per-client-IP counters (all atomic for lock-free access).
type clientStats struct {
	Requests atomic.Int64
	Denied   atomic.Int64
	Failed   atomic.Int64
	Bytes    atomic.Int64
}

// Collector accumulates in-memory gateway statistics.
type Collector struct {
	maxKeys int

	// Per-client-IP stats.
	clients *boundedMap // string -> *clientStats

	// Per-host counters, keyed by the lowercased candidate host.
	hostFetches  *boundedMap // string -> *atomic.Int64
	hostDenials  *boundedMap // string -> *atomic.Int64
	hostFailures *boundedMap // string -> *atomic.Int64

	// Per-class request counts. The key set is fixed.
	classes sync.Map // gateway.Class -> *atomic.Int64
}

// NewCollector creates a collector that tracks up to DefaultMaxKeys clients
// and hosts per counter.
func NewCollector() *Collector {
	return NewCollectorWithLimit(DefaultMaxKeys)
}

// NewCollectorWithLimit creates a collector that tracks up to maxKeys
// clients and hosts per counter. maxKeys <= 0 uses DefaultMaxKeys.
func NewCollectorWithLimit(maxKeys int) *Collector {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	newMap := func() *boundedMap { return &boundedMap{max: int64(maxKeys)} }
	return &Collector{
		maxKeys:      maxKeys,
		clients:      newMap(),
		hostFetches:  newMap(),
		hostDenials:  newMap(),
		hostFailures: newMap(),
	}
}

// MaxKeys returns the per-map key limit.
func (c *Collector) MaxKeys() int {
	return c.maxKeys
}

// Record accounts one handled gateway request.
func (c *Collector) Record(res gateway.Result) {
	val := c.clients.load(res.ClientIP, func() any { return &clientStats{} })
	cs, _ := val.(*clientStats) //nolint:errcheck // type is guaranteed by load
	cs.Requests.Add(1)
	cs.Bytes.Add(res.Bytes)

	v, _ := c.classes.LoadOrStore(res.Class, &atomic.Int64{})
	v.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore

	switch res.Class {
	case gateway.ClassFetched:
		c.hostFetches.incr(res.Host)
	case gateway.ClassDenied:
		cs.Denied.Add(1)
		c.hostDenials.incr(hostKey(res.Host))
	case gateway.ClassUpstreamTimeout, gateway.ClassUpstreamError, gateway.ClassInternal:
		cs.Failed.Add(1)
		c.hostFailures.incr(res.Host)
	}
}

// hostKey names the bucket for a request with no host.
func hostKey(host string) string {
	if host == "" {
		return "(none)"
	}
	return host
}

// ClientSnapshot captures a point-in-time view of per-client counters.
type ClientSnapshot struct {
	IP       string
	Requests int64
	Denied   int64
	Failed   int64
	Bytes    int64
}

// HostCount holds a host and its counter value.
type HostCount struct {
	Host  string
	Count int64
}

// SnapshotClients returns current per-client stats.
func (c *Collector) SnapshotClients() []ClientSnapshot {
	var out []ClientSnapshot
	c.clients.m.Range(func(key, value any) bool {
		cs, _ := value.(*clientStats) //nolint:errcheck // type is guaranteed
		ip, _ := key.(string)         //nolint:errcheck // type is guaranteed
		out = append(out, ClientSnapshot{
			IP:       ip,
			Requests: cs.Requests.Load(),
			Denied:   cs.Denied.Load(),
			Failed:   cs.Failed.Load(),
			Bytes:    cs.Bytes.Load(),
		})
		return true
	})
	return out
}

// SnapshotHostFetches returns current per-host completed fetch counts.
func (c *Collector) SnapshotHostFetches() []HostCount {
	return snapshot(c.hostFetches)
}

// SnapshotHostDenials returns current per-host policy rejection counts.
func (c *Collector) SnapshotHostDenials() []HostCount {
	return snapshot(c.hostDenials)
}

// SnapshotHostFailures returns current per-host upstream failure counts.
func (c *Collector) SnapshotHostFailures() []HostCount {
	return snapshot(c.hostFailures)
}

func snapshot(b *boundedMap) []HostCount {
	var out []HostCount
	b.m.Range(func(key, value any) bool {
		host, _ := key.(string)             //nolint:errcheck // type is guaranteed
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		out = append(out, HostCount{Host: host, Count: counter.Load()})
		return true
	})
	return out
}

// ClassCounts returns the request count for every class, including zeros.
func (c *Collector) ClassCounts() map[gateway.Class]int64 {
	out := make(map[gateway.Class]int64, len(gateway.Classes))
	for _, class := range gateway.Classes {
		out[class] = 0
		if v, ok := c.classes.Load(class); ok {
			out[class] = v.(*atomic.Int64).Load() //nolint:errcheck // type is guaranteed
		}
	}
	return out
}

// Totals holds aggregate counters across all clients.
type Totals struct {
	Requests int64
	Denied   int64
	Failed   int64
	Bytes    int64
}

// Totals returns the sum of all client counters.
func (c *Collector) Totals() Totals {
	var t Totals
	c.clients.m.Range(func(_, value any) bool {
		cs, _ := value.(*clientStats) //nolint:errcheck // type is guaranteed
		t.Requests += cs.Requests.Load()
		t.Denied += cs.Denied.Load()
		t.Failed += cs.Failed.Load()
		t.Bytes += cs.Bytes.Load()
		return true
	})
	return t
}

// Top merges counts by host and returns the n largest; n <= 0 keeps all.
func Top(counts []HostCount, n int) []HostCount {
	m := make(map[string]int64, len(counts))
	for _, hc := range counts {
		m[hc.Host] += hc.Count
	}
	return topNFromMap(m, n)
}

// TopClients sorts clients by request count, highest first, and returns
// the first n; n <= 0 keeps all. The slice is sorted in place.
func TopClients(clients []ClientSnapshot, n int) []ClientSnapshot {
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].Requests != clients[j].Requests {
			return clients[i].Requests > clients[j].Requests
		}
		return clients[i].IP < clients[j].IP
	})
	if n > 0 && len(clients) > n {
		clients = clients[:n]
	}
	return clients
}

// topNFromMap extracts the top n entries from a host->count map, highest
// count first and ties broken by host name.
func topNFromMap(m map[string]int64, n int) []HostCount {
	out := make([]HostCount, 0, len(m))
	for host, count := range m {
		out = append(out, HostCount{Host: host, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Host < out[j].Host
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
