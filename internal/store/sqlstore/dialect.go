package sqlstore

import (
	"fmt"
	"regexp"
	"strings"
)

// Dialect identifies the SQL flavour a Store speaks. The value doubles as the
// database/sql driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseDialect maps a configured driver name onto a Dialect.
// "sqlite" and "postgresql" are accepted as aliases.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", name)
	}
}

// TableConfig configures the table used to mirror timer durations.
type TableConfig struct {
	// Table is the name of the table holding one row per live timer.
	Table string
}

// DefaultTableConfig returns the default table configuration.
func DefaultTableConfig() TableConfig {
	return TableConfig{Table: "timer_durations"}
}

func (c TableConfig) validate() error {
	if !identPattern.MatchString(c.Table) {
		return fmt.Errorf("invalid table name %q", c.Table)
	}
	return nil
}

// placeholder returns the n-th (1-based) bind parameter for the dialect.
func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// MigrationUp returns the SQL to create the durations table.
func MigrationUp(d Dialect, config TableConfig) string {
	switch d {
	case DialectPostgres:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGINT PRIMARY KEY,
    seconds_left BIGINT NOT NULL,
    original_seconds BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, config.Table)
	case DialectMySQL:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGINT UNSIGNED PRIMARY KEY,
    seconds_left BIGINT NOT NULL,
    original_seconds BIGINT NOT NULL DEFAULT 0,
    updated_at DATETIME(6) NOT NULL
)`, config.Table)
	default:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    seconds_left INTEGER NOT NULL,
    original_seconds INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL
)`, config.Table)
	}
}

// MigrationDown returns the SQL to drop the durations table.
func MigrationDown(config TableConfig) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", config.Table)
}

func upsertQuery(d Dialect, table string) string {
	values := fmt.Sprintf("(%s, %s, %s, %s)",
		d.placeholder(1), d.placeholder(2), d.placeholder(3), d.placeholder(4))

	if d == DialectMySQL {
		return fmt.Sprintf(`INSERT INTO %s (id, seconds_left, original_seconds, updated_at)
VALUES %s
ON DUPLICATE KEY UPDATE seconds_left = VALUES(seconds_left), original_seconds = VALUES(original_seconds), updated_at = VALUES(updated_at)`,
			table, values)
	}

	// sqlite (>= 3.24) and postgres share ON CONFLICT syntax
	return fmt.Sprintf(`INSERT INTO %s (id, seconds_left, original_seconds, updated_at)
VALUES %s
ON CONFLICT (id) DO UPDATE SET seconds_left = excluded.seconds_left, original_seconds = excluded.original_seconds, updated_at = excluded.updated_at`,
		table, values)
}
