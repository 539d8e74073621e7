package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/codeGROOVE-dev/whereabouts/pkg/result"
)

// migrations are applied in order; the schema version is the number applied.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS results (
		handle    TEXT    NOT NULL,
		site      TEXT    NOT NULL,
		verdict   TEXT    NOT NULL,
		url       TEXT    NOT NULL,
		timestamp INTEGER NOT NULL,
		ttl       INTEGER NOT NULL,
		PRIMARY KEY (handle, site)
	)`,
	`CREATE INDEX IF NOT EXISTS results_expiry ON results (timestamp, ttl)`,
}

// SchemaVersion is the schema version written by this package.
var SchemaVersion = len(migrations)

// SQLite is a single-file Backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and migrates it to SchemaVersion.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	dsn := url.URL{Scheme: "file", Path: path, OmitHost: true, RawQuery: q.Encode()}
	db, err := sql.Open("sqlite", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("cache schema version %d is newer than supported %d", version, len(migrations))
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback() //nolint:errcheck // already failing
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback() //nolint:errcheck // already failing
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Version returns the schema version stored in the file.
func (s *SQLite) Version(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// Get implements Backend.
func (s *SQLite) Get(ctx context.Context, handle, site string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT handle, site, verdict, url, timestamp, ttl FROM results WHERE handle = ? AND site = ?`,
		handle, site)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Put implements Backend.
func (s *SQLite) Put(ctx context.Context, entries ...Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO results (handle, site, verdict, url, timestamp, ttl) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback() //nolint:errcheck // already failing
		return err
	}
	defer stmt.Close() //nolint:errcheck // closed with the transaction

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Handle, e.Site, string(e.Verdict), e.URL, e.Created.UnixMilli(), e.TTL.Milliseconds()); err != nil {
			_ = tx.Rollback() //nolint:errcheck // already failing
			return err
		}
	}
	return tx.Commit()
}

// Delete implements Backend.
func (s *SQLite) Delete(ctx context.Context, handle, site string) (int64, error) {
	var where []string
	var args []any
	if handle != "" {
		where = append(where, "handle = ?")
		args = append(args, handle)
	}
	if site != "" {
		where = append(where, "site = ?")
		args = append(args, site)
	}
	query := "DELETE FROM results"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpired implements Backend.
func (s *SQLite) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE timestamp + ttl < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Each implements Backend.
func (s *SQLite) Each(ctx context.Context, fn func(Entry) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT handle, site, verdict, url, timestamp, ttl FROM results ORDER BY handle, site`)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck // read-only query

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close implements Backend.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var verdict string
	var ts, ttl int64
	if err := row.Scan(&e.Handle, &e.Site, &verdict, &e.URL, &ts, &ttl); err != nil {
		return Entry{}, err
	}
	v, err := result.ParseVerdict(verdict)
	if err != nil {
		return Entry{}, err
	}
	e.Verdict = v
	e.Created = time.UnixMilli(ts)
	e.TTL = time.Duration(ttl) * time.Millisecond
	return e, nil
}
