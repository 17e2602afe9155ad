// Package recovery persists connection recovery keys so that a restarted
// process can continue the connection it had before, via
// ClientOptions.Recover.
//
// Two backends are supported through database/sql: SQLite (driver "sqlite3")
// for single-host tools and PostgreSQL (driver "postgres") for fleets that
// share state.
package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	pingTimeout = 5 * time.Second
)

// ErrNotFound is returned by Load when no key is stored under a name.
var ErrNotFound = errors.New("recovery key not found")

// Record is one stored recovery key.
type Record struct {
	Name      string
	Key       string
	UpdatedAt time.Time
}

// Store reads and writes recovery keys in a single table.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn with the given driver and creates the table if needed.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported recovery driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening recovery store: %w", err)
	}
	if driver == DriverSQLite {
		// A second connection to ":memory:" would see a different database.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("verifying recovery store: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS recovery_keys (
		name TEXT PRIMARY KEY,
		recovery_key TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating recovery table: %w", err)
	}
	return nil
}

// bind rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *Store) bind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// Save stores key under name, replacing any previous value.
func (s *Store) Save(ctx context.Context, name, key string, now time.Time) error {
	query := s.bind(`INSERT INTO recovery_keys (name, recovery_key, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET recovery_key = excluded.recovery_key, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, name, key, now.UnixMilli()); err != nil {
		return fmt.Errorf("saving recovery key %q: %w", name, err)
	}
	return nil
}

// Load returns the record stored under name.
func (s *Store) Load(ctx context.Context, name string) (Record, error) {
	var (
		rec     = Record{Name: name}
		updated int64
	)
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT recovery_key, updated_at FROM recovery_keys WHERE name = ?`), name)
	if err := row.Scan(&rec.Key, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("loading recovery key %q: %w", name, err)
	}
	rec.UpdatedAt = time.UnixMilli(updated)
	return rec, nil
}

// LoadFresh returns the stored key if it was saved within maxAge of now.
// Older keys are past the service's resume window and are reported as
// ErrNotFound.
func (s *Store) LoadFresh(ctx context.Context, name string, maxAge time.Duration, now time.Time) (string, error) {
	rec, err := s.Load(ctx, name)
	if err != nil {
		return "", err
	}
	if now.Sub(rec.UpdatedAt) > maxAge {
		return "", ErrNotFound
	}
	return rec.Key, nil
}

// Delete removes the key stored under name. Deleting a missing key is not an
// error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM recovery_keys WHERE name = ?`), name); err != nil {
		return fmt.Errorf("deleting recovery key %q: %w", name, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
