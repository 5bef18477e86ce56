// Package sqlite stores scans in a single SQLite file. It backs local runs of
// the front-end and the repository tests; production uses package postgres.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/censys/scan-browser/pkg/storage"
)

type Repository struct {
	db *sql.DB
}

var _ storage.Repository = (*Repository)(nil)

// Open opens dsn (a file path, a file: URI or ":memory:") and pings it.
// The pool is pinned to one connection: SQLite serialises writers anyway and
// an in-memory database only lives as long as its connection.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) CreateDatabase(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS hosts (
	ip TEXT PRIMARY KEY,
	onion_routing BOOLEAN NOT NULL DEFAULT FALSE,
	last_scanned TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS ports (
	ip TEXT NOT NULL,
	port INTEGER NOT NULL,
	service TEXT NOT NULL,
	last_scanned TIMESTAMP NOT NULL,
	response TEXT NOT NULL,
	PRIMARY KEY (ip, port, service)
);
CREATE INDEX IF NOT EXISTS ports_port_idx ON ports (port);
`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create scan tables: %w", err)
	}
	return nil
}

func (r *Repository) DropDatabase(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DROP TABLE IF EXISTS ports; DROP TABLE IF EXISTS hosts;`); err != nil {
		return fmt.Errorf("drop scan tables: %w", err)
	}
	return nil
}

func (r *Repository) Initialized(ctx context.Context) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('hosts', 'ports')`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check scan tables: %w", err)
	}
	return n == 2, nil
}

func (r *Repository) ClearTables(ctx context.Context) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ports`); err != nil {
			return fmt.Errorf("clear ports: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM hosts`); err != nil {
			return fmt.Errorf("clear hosts: %w", err)
		}
		return nil
	})
}

// UpsertLatest keeps the newest scan per (ip, port, service), like the
// Postgres repository.
func (r *Repository) UpsertLatest(ctx context.Context, record storage.ScanRecord) error {
	ip, err := storage.CanonicalIP(record.IP)
	if err != nil {
		return err
	}
	ts := record.Timestamp.UTC()

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO hosts (ip, onion_routing, last_scanned)
VALUES (?, ?, ?)
ON CONFLICT (ip) DO UPDATE SET
	onion_routing = hosts.onion_routing OR excluded.onion_routing,
	last_scanned = MAX(hosts.last_scanned, excluded.last_scanned)`,
			ip, record.OnionRouting, ts); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO ports (ip, port, service, last_scanned, response)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (ip, port, service) DO UPDATE SET
	last_scanned = excluded.last_scanned,
	response = excluded.response
WHERE excluded.last_scanned >= ports.last_scanned`,
			ip, int(record.Port), record.Service, ts, record.Response)
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
	where, args := filter.Where(func(int) string { return "?" })
	query := `
SELECT h.ip, h.onion_routing, h.last_scanned, p.port, p.service, p.last_scanned
FROM hosts h
LEFT JOIN ports p ON p.ip = h.ip
WHERE ` + where + `
ORDER BY h.ip, p.port, p.service`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []storage.SummaryRow
	for rows.Next() {
		var (
			row      storage.SummaryRow
			port     sql.NullInt64
			service  sql.NullString
			portSeen sql.NullTime
		)
		if err := rows.Scan(&row.IP, &row.OnionRouting, &row.HostLastScanned, &port, &service, &portSeen); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		if port.Valid {
			p := int(port.Int64)
			row.Port = &p
		}
		if service.Valid {
			row.Service = &service.String
		}
		if portSeen.Valid {
			t := portSeen.Time
			row.PortLastScanned = &t
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary: %w", err)
	}
	return storage.FoldSummary(out), nil
}

// DeleteHost removes the host and its ports. Invalid or unknown addresses
// report false without an error.
func (r *Repository) DeleteHost(ctx context.Context, ip string) (bool, error) {
	canon, err := storage.CanonicalIP(ip)
	if err != nil {
		return false, nil
	}

	var deleted int64
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ports WHERE ip = ?`, canon); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM hosts WHERE ip = ?`, canon)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete host %s: %w", canon, err)
	}
	return deleted > 0, nil
}

func (r *Repository) Close() {
	r.db.Close()
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
