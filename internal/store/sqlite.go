package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/i474232898/weather-station-fusion/internal/router"
	"github.com/i474232898/weather-station-fusion/internal/weather"
)

const overridesSchema = `
CREATE TABLE IF NOT EXISTS routing_overrides (
  station_id INTEGER NOT NULL,
  field      TEXT    NOT NULL,
  serial     TEXT    NOT NULL,
  updated_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
  PRIMARY KEY (station_id, field)
);
`

// SQLiteOverrides persists overrides in a SQLite database file.
type SQLiteOverrides struct {
	db *sql.DB
}

// OpenSQLiteOverrides opens (creating if needed) the database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLiteOverrides(ctx context.Context, path string) (*SQLiteOverrides, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	// One connection: an in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, overridesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db schema: %w", err)
	}
	return &SQLiteOverrides{db: db}, nil
}

func (s *SQLiteOverrides) LoadOverrides(ctx context.Context) ([]router.Override, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT station_id, field, serial FROM routing_overrides ORDER BY station_id, field`)
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	defer rows.Close()

	var out []router.Override
	for rows.Next() {
		var (
			o     router.Override
			field string
		)
		if err := rows.Scan(&o.StationID, &field, &o.Serial); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		f, err := weather.ParseField(field)
		if err != nil {
			// Field renamed since it was stored.
			continue
		}
		o.Field = f
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteOverrides) SaveOverride(ctx context.Context, o router.Override) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO routing_overrides (station_id, field, serial) VALUES (?, ?, ?)
ON CONFLICT(station_id, field) DO UPDATE SET
  serial = excluded.serial,
  updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		o.StationID, string(o.Field), o.Serial)
	if err != nil {
		return fmt.Errorf("save override: %w", err)
	}
	return nil
}

func (s *SQLiteOverrides) DeleteOverride(ctx context.Context, stationID int, f weather.Field) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM routing_overrides WHERE station_id = ? AND field = ?`, stationID, string(f)); err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	return nil
}

func (s *SQLiteOverrides) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}

	dir := filepath.Dir(path)
	if dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}
