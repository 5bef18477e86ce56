package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/censys/scan-browser/pkg/storage"
)

type Repository struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository wraps an existing pool. Call CreateDatabase before writing.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the hosts and ports tables if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := `
CREATE TABLE IF NOT EXISTS hosts (
  ip TEXT PRIMARY KEY,
  onion_routing BOOLEAN NOT NULL DEFAULT FALSE,
  last_scanned TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ports (
  ip TEXT NOT NULL,
  port INTEGER NOT NULL,
  service TEXT NOT NULL,
  last_scanned TIMESTAMPTZ NOT NULL,
  response TEXT NOT NULL,
  PRIMARY KEY (ip, port, service)
);
CREATE INDEX IF NOT EXISTS ports_port_idx ON ports (port);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ERROR creating scan tables: %w", err)
	}
	return nil
}

func (r *Repository) CreateDatabase(ctx context.Context) error {
	return EnsureSchema(ctx, r.pool)
}

func (r *Repository) DropDatabase(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `DROP TABLE IF EXISTS ports; DROP TABLE IF EXISTS hosts;`); err != nil {
		return fmt.Errorf("drop scan tables: %w", err)
	}
	return nil
}

// Initialized reports whether both tables exist in the current schema.
func (r *Repository) Initialized(ctx context.Context) (bool, error) {
	const query = `
SELECT count(*) FROM information_schema.tables
WHERE table_schema = current_schema() AND table_name IN ('hosts', 'ports');`
	var n int
	if err := r.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return false, fmt.Errorf("check scan tables: %w", err)
	}
	return n == 2, nil
}

func (r *Repository) ClearTables(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `TRUNCATE ports, hosts`); err != nil {
		return fmt.Errorf("truncate scan tables: %w", err)
	}
	return nil
}

// UpsertLatest persists the newest scan for a (ip, port, service) tuple. Older
// scans are ignored to protect against out-of-order deliveries. A host stays
// flagged as onion-routing once any scan reported it.
func (r *Repository) UpsertLatest(ctx context.Context, record storage.ScanRecord) error {
	ip, err := storage.CanonicalIP(record.IP)
	if err != nil {
		return err
	}
	ts := record.Timestamp.UTC()

	const hostQuery = `
INSERT INTO hosts (ip, onion_routing, last_scanned)
VALUES ($1, $2, $3)
ON CONFLICT (ip)
DO UPDATE SET
  onion_routing = hosts.onion_routing OR EXCLUDED.onion_routing,
  last_scanned = GREATEST(hosts.last_scanned, EXCLUDED.last_scanned);
`
	const portQuery = `
INSERT INTO ports (ip, port, service, last_scanned, response)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (ip, port, service)
DO UPDATE SET
  last_scanned = EXCLUDED.last_scanned,
  response = EXCLUDED.response
WHERE EXCLUDED.last_scanned >= ports.last_scanned;
`
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, hostQuery, ip, record.OnionRouting, ts); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, portQuery, ip, int(record.Port), record.Service, ts, record.Response)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert scan: %w", err)
	}
	return nil
}

func (r *Repository) AllSummary(ctx context.Context) ([]storage.HostSummary, error) {
	return r.FilteredSummary(ctx, nil)
}

func (r *Repository) FilteredSummary(ctx context.Context, filter *storage.Filter) ([]storage.HostSummary, error) {
	where, args := filter.Where(func(n int) string { return "$" + strconv.Itoa(n) })
	query := `
SELECT h.ip, h.onion_routing, h.last_scanned, p.port, p.service, p.last_scanned
FROM hosts h
LEFT JOIN ports p ON p.ip = h.ip
WHERE ` + where + `
ORDER BY h.ip, p.port, p.service`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []storage.SummaryRow
	for rows.Next() {
		var (
			row      storage.SummaryRow
			port     *int32
			portSeen *time.Time
		)
		if err := rows.Scan(&row.IP, &row.OnionRouting, &row.HostLastScanned, &port, &row.Service, &portSeen); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		if port != nil {
			p := int(*port)
			row.Port = &p
		}
		row.PortLastScanned = portSeen
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary: %w", err)
	}
	return storage.FoldSummary(out), nil
}

// DeleteHost removes the host and all of its ports. It returns false when ip
// is not a valid address or no such host exists.
func (r *Repository) DeleteHost(ctx context.Context, ip string) (bool, error) {
	canon, err := storage.CanonicalIP(ip)
	if err != nil {
		return false, nil
	}

	var deleted int64
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM ports WHERE ip = $1`, canon); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM hosts WHERE ip = $1`, canon)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete host %s: %w", canon, err)
	}
	return deleted > 0, nil
}

// Close helps when wiring Repository to a lifecycle manager.
func (r *Repository) Close() {
	r.pool.Close()
}

// Options tune the pool built by NewDB. Zero values keep the defaults.
type Options struct {
	MaxConns int32
	MinConns int32
}

// NewDB opens a pgx pool with tuned defaults.
func NewDB(ctx context.Context, connString string, opts ...Options) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	// Keep a small, steady pool; both processes are lightweight.
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute
	for _, o := range opts {
		if o.MaxConns > 0 {
			cfg.MaxConns = o.MaxConns
		}
		if o.MinConns > 0 && o.MinConns <= cfg.MaxConns {
			cfg.MinConns = o.MinConns
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}
