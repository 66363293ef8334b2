package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ChuLiYu/tickcast/internal/store"
	"github.com/ChuLiYu/tickcast/pkg/types"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a database/sql implementation of store.DurationStore.
// One row per live timer; rows are upserted on every tick.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string

	upsertSQL string
	deleteSQL string
	listSQL   string
}

var _ store.DurationStore = (*Store)(nil)

// Open opens a connection pool for the dialect and verifies it with a ping.
func Open(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}
	return db, nil
}

// New creates a store over an existing pool with the default table name.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	return NewWithConfig(db, dialect, DefaultTableConfig())
}

// NewWithConfig creates a store over an existing pool with a custom table name.
func NewWithConfig(db *sql.DB, dialect Dialect, config TableConfig) (*Store, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Store{
		db:        db,
		dialect:   dialect,
		table:     config.Table,
		upsertSQL: upsertQuery(dialect, config.Table),
		deleteSQL: fmt.Sprintf("DELETE FROM %s WHERE id = %s", config.Table, dialect.placeholder(1)),
		listSQL:   fmt.Sprintf("SELECT id, seconds_left, original_seconds FROM %s ORDER BY id", config.Table),
	}, nil
}

// Migrate creates the durations table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, MigrationUp(s.dialect, TableConfig{Table: s.table})); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", s.table, err)
	}
	return nil
}

// Put upserts the remaining duration for a timer.
func (s *Store) Put(ctx context.Context, rec types.Record) error {
	_, err := s.db.ExecContext(ctx, s.upsertSQL,
		int64(rec.ID), rec.SecondsLeft, rec.OriginalSeconds, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to put timer %d: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a timer's row. Zero affected rows is not an error.
func (s *Store) Delete(ctx context.Context, id types.TimerID) error {
	if _, err := s.db.ExecContext(ctx, s.deleteSQL, int64(id)); err != nil {
		return fmt.Errorf("failed to delete timer %d: %w", id, err)
	}
	return nil
}

// ListAll returns every row ordered by id.
func (s *Store) ListAll(ctx context.Context) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.listSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list timers: %w", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var (
			id  int64
			rec types.Record
		)
		if err := rows.Scan(&id, &rec.SecondsLeft, &rec.OriginalSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan timer row: %w", err)
		}
		rec.ID = types.TimerID(id)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timer rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}
