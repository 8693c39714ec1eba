package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	_ "modernc.org/sqlite" // SQLite driver
)

// SchemaVersion is the current quota schema version.
const SchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS quota_usage (
	identity   TEXT PRIMARY KEY,
	consumed   INTEGER NOT NULL DEFAULT 0 CHECK (consumed >= 0),
	updated_at TEXT NOT NULL
);
`

// QuotaStore persists per-identity consumption in SQLite. It implements
// quota.Store.
type QuotaStore struct {
	db   *sql.DB
	path string
}

// OpenQuotaStore opens or creates the database at path. ":memory:" is
// accepted for tests.
func OpenQuotaStore(ctx context.Context, path string) (*QuotaStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &QuotaStore{db: db, path: path}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, SchemaVersion)
	return err
}

// Load returns the persisted consumption for identity.
func (s *QuotaStore) Load(ctx context.Context, identity types.Identity) (int64, bool, error) {
	var consumed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT consumed FROM quota_usage WHERE identity = ?`, identity.String()).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load usage: %w", err)
	}
	return consumed, true, nil
}

// Save upserts consumption, keeping the larger of the stored and new values.
func (s *QuotaStore) Save(ctx context.Context, identity types.Identity, consumed int64) error {
	if consumed < 0 {
		consumed = 0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_usage (identity, consumed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			consumed   = MAX(quota_usage.consumed, excluded.consumed),
			updated_at = excluded.updated_at`,
		identity.String(), consumed, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

// Path returns the database location.
func (s *QuotaStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *QuotaStore) Close() error {
	return s.db.Close()
}
