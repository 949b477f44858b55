package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const hourFormat = "2006-01-02T15"

// Per-host counter tables. Each has the shape (host TEXT PRIMARY KEY, count INTEGER).
const (
	tableHostFetches = "host_fetches"
	tableDeniedHosts = "denied_hosts"
	tableFailedHosts = "failed_hosts"
)

// hostTable ties a per-host table to its in-memory source.
type hostTable struct {
	name     string
	snapshot func() []HostCount
	last     map[string]int64
}

// DB manages the stats SQLite database and periodic flushing.
type DB struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}

	// lastClients stores the cumulative snapshot from the previous flush so
	// we can compute deltas. Host tables keep their own.
	lastClients map[string]ClientSnapshot
	hosts       map[string]*hostTable
}

// Open opens or creates a stats database at the given path.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	db := &DB{
		conn:        conn,
		collector:   collector,
		logger:      logger,
		interval:    flushInterval,
		done:        make(chan struct{}),
		lastClients: make(map[string]ClientSnapshot),
		hosts: map[string]*hostTable{
			tableHostFetches: {name: tableHostFetches, snapshot: collector.SnapshotHostFetches, last: map[string]int64{}},
			tableDeniedHosts: {name: tableDeniedHosts, snapshot: collector.SnapshotHostDenials, last: map[string]int64{}},
			tableFailedHosts: {name: tableFailedHosts, snapshot: collector.SnapshotHostFailures, last: map[string]int64{}},
		},
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// Start begins the background flush loop.
func (db *DB) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel

	go db.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the database.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}

	if err := db.Flush(); err != nil {
		db.logger.Error("final stats flush failed", "error", err)
	}

	return db.conn.Close()
}

// flushLoop runs periodic flushes until the context is cancelled.
func (db *DB) flushLoop(ctx context.Context) {
	defer close(db.done)

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil {
				db.logger.Error("stats flush failed", "error", err)
			}
		}
	}
}

// Flush computes deltas since the last flush and writes them to SQLite in
// one savepoint.
func (db *DB) Flush() (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	hour := time.Now().UTC().Truncate(time.Hour).Format(hourFormat)

	defer sqlitex.Save(db.conn)(&err)

	currentClients := make(map[string]ClientSnapshot)
	for _, cs := range db.collector.SnapshotClients() {
		currentClients[cs.IP] = cs
		d := clientDelta(cs, db.lastClients[cs.IP])
		if d == (ClientSnapshot{IP: cs.IP}) {
			continue
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO traffic_hourly (hour, client_ip, requests, denied, failed, bytes)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (hour, client_ip) DO UPDATE SET
				requests = requests + excluded.requests,
				denied   = denied   + excluded.denied,
				failed   = failed   + excluded.failed,
				bytes    = bytes    + excluded.bytes
		`, &sqlitex.ExecOptions{
			Args: []any{hour, cs.IP, d.Requests, d.Denied, d.Failed, d.Bytes},
		})
		if err != nil {
			return fmt.Errorf("upsert traffic_hourly: %w", err)
		}
	}

	// Host tables are committed together with the client rows, so their
	// watermarks only move once every upsert has succeeded.
	pending := make(map[string]map[string]int64, len(db.hosts))
	for name, t := range db.hosts {
		current := make(map[string]int64)
		for _, hc := range t.snapshot() {
			current[hc.Host] = hc.Count
			delta := hc.Count - t.last[hc.Host]
			if delta == 0 {
				continue
			}
			err = sqlitex.Execute(db.conn, `
				INSERT INTO `+name+` (host, count)
				VALUES (?, ?)
				ON CONFLICT (host) DO UPDATE SET
					count = count + excluded.count
			`, &sqlitex.ExecOptions{
				Args: []any{hc.Host, delta},
			})
			if err != nil {
				return fmt.Errorf("upsert %s: %w", name, err)
			}
		}
		pending[name] = current

		if err = db.foldHosts(name, db.collector.MaxKeys()); err != nil {
			return err
		}
	}

	db.lastClients = currentClients
	for name, current := range pending {
		db.hosts[name].last = current
	}

	return nil
}

// foldHosts moves every row of a host table beyond the keep highest counts
// into the OtherKey row, so the table stays bounded across restarts.
func (db *DB) foldHosts(table string, keep int) error {
	where := `host != ? AND host NOT IN (
			SELECT host FROM ` + table + ` WHERE host != ? ORDER BY count DESC, host LIMIT ?
		)`

	err := sqlitex.Execute(db.conn, `
		INSERT INTO `+table+` (host, count)
		SELECT ?, SUM(count) FROM `+table+` WHERE `+where+`
		HAVING COUNT(*) > 0
		ON CONFLICT (host) DO UPDATE SET
			count = count + excluded.count
	`, &sqlitex.ExecOptions{
		Args: []any{OtherKey, OtherKey, OtherKey, keep},
	})
	if err != nil {
		return fmt.Errorf("fold %s: %w", table, err)
	}

	err = sqlitex.Execute(db.conn, `DELETE FROM `+table+` WHERE `+where, &sqlitex.ExecOptions{
		Args: []any{OtherKey, OtherKey, keep},
	})
	if err != nil {
		return fmt.Errorf("prune %s: %w", table, err)
	}
	return nil
}

func clientDelta(cur, prev ClientSnapshot) ClientSnapshot {
	return ClientSnapshot{
		IP:       cur.IP,
		Requests: cur.Requests - prev.Requests,
		Denied:   cur.Denied - prev.Denied,
		Failed:   cur.Failed - prev.Failed,
		Bytes:    cur.Bytes - prev.Bytes,
	}
}

// TopHosts returns the top n hosts by completed fetches from the database.
func (db *DB) TopHosts(n int) []HostCount {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queryHosts(tableHostFetches, n)
}

// TopDenied returns the top n denied hosts from the database.
func (db *DB) TopDenied(n int) []HostCount {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queryHosts(tableDeniedHosts, n)
}

// TopFailed returns the top n hosts by upstream failures from the database.
func (db *DB) TopFailed(n int) []HostCount {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queryHosts(tableFailedHosts, n)
}

// queryHosts reads a per-host table; n <= 0 means no limit.
func (db *DB) queryHosts(table string, n int) []HostCount {
	var out []HostCount
	limit := n
	if limit <= 0 {
		limit = -1
	}
	_ = sqlitex.Execute(db.conn, `
		SELECT host, count FROM `+table+`
		ORDER BY count DESC, host ASC LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, HostCount{
				Host:  stmt.ColumnText(0),
				Count: stmt.ColumnInt64(1),
			})
			return nil
		},
	})
	return out
}

// TrafficTotalsSince returns aggregate traffic stats within a time window.
func (db *DB) TrafficTotalsSince(since time.Time) Totals {
	db.mu.Lock()
	defer db.mu.Unlock()
	sinceHour := since.UTC().Truncate(time.Hour).Format(hourFormat)
	var t Totals
	_ = sqlitex.Execute(db.conn, `
		SELECT COALESCE(SUM(requests), 0),
			COALESCE(SUM(denied), 0),
			COALESCE(SUM(failed), 0),
			COALESCE(SUM(bytes), 0)
		FROM traffic_hourly
		WHERE hour >= ?
	`, &sqlitex.ExecOptions{
		Args: []any{sinceHour},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			t = Totals{
				Requests: stmt.ColumnInt64(0),
				Denied:   stmt.ColumnInt64(1),
				Failed:   stmt.ColumnInt64(2),
				Bytes:    stmt.ColumnInt64(3),
			}
			return nil
		},
	})
	return t
}

// MergedTopHosts returns the top n fetched hosts by merging DB totals with
// unflushed in-memory deltas.
func (db *DB) MergedTopHosts(n int) []HostCount {
	return db.mergedTop(tableHostFetches, n)
}

// MergedTopDenied returns the top n denied hosts by merging DB totals with
// unflushed in-memory deltas.
func (db *DB) MergedTopDenied(n int) []HostCount {
	return db.mergedTop(tableDeniedHosts, n)
}

// MergedTopFailed returns the top n failing hosts by merging DB totals with
// unflushed in-memory deltas.
func (db *DB) MergedTopFailed(n int) []HostCount {
	return db.mergedTop(tableFailedHosts, n)
}

func (db *DB) mergedTop(table string, n int) []HostCount {
	db.mu.Lock()
	defer db.mu.Unlock()
	t := db.hosts[table]
	merged := make(map[string]int64)

	for _, hc := range db.queryHosts(table, 0) {
		merged[hc.Host] = hc.Count
	}

	for _, hc := range t.snapshot() {
		if delta := hc.Count - t.last[hc.Host]; delta > 0 {
			merged[hc.Host] += delta
		}
	}

	return topNFromMap(merged, n)
}

// MergedTopClients returns the top n clients by merging DB totals
// with unflushed in-memory deltas.
func (db *DB) MergedTopClients(n int) []ClientSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	merged := make(map[string]*ClientSnapshot)

	_ = sqlitex.Execute(db.conn, `
		SELECT client_ip, SUM(requests), SUM(denied), SUM(failed), SUM(bytes)
		FROM traffic_hourly
		GROUP BY client_ip
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			cs := ClientSnapshot{
				IP:       stmt.ColumnText(0),
				Requests: stmt.ColumnInt64(1),
				Denied:   stmt.ColumnInt64(2),
				Failed:   stmt.ColumnInt64(3),
				Bytes:    stmt.ColumnInt64(4),
			}
			merged[cs.IP] = &cs
			return nil
		},
	})

	for _, cs := range db.collector.SnapshotClients() {
		d := clientDelta(cs, db.lastClients[cs.IP])
		if existing, ok := merged[cs.IP]; ok {
			existing.Requests += d.Requests
			existing.Denied += d.Denied
			existing.Failed += d.Failed
			existing.Bytes += d.Bytes
		} else if d.Requests > 0 {
			merged[cs.IP] = &d
		}
	}

	result := make([]ClientSnapshot, 0, len(merged))
	for _, cs := range merged {
		result = append(result, *cs)
	}
	return TopClients(result, n)
}

// ensureSchema creates the stats tables.
func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS traffic_hourly (
			hour      TEXT NOT NULL,
			client_ip TEXT NOT NULL,
			requests  INTEGER NOT NULL DEFAULT 0,
			denied    INTEGER NOT NULL DEFAULT 0,
			failed    INTEGER NOT NULL DEFAULT 0,
			bytes     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hour, client_ip)
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS host_fetches (
			host  TEXT NOT NULL PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS denied_hosts (
			host  TEXT NOT NULL PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS failed_hosts (
			host  TEXT NOT NULL PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_traffic_hourly_hour ON traffic_hourly(hour);
		CREATE INDEX IF NOT EXISTS idx_traffic_hourly_client ON traffic_hourly(client_ip);
	`, nil)
}
