// Package db serves metadata tables from local files and tables through
// DuckDB.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/Transport-for-the-North/vis-core-sub002/internal/pageconfig"
)

// Scheme prefixes a metadata table path served by DuckDB.
const Scheme = "duckdb:"

// Config holds database configuration.
type Config struct {
	// DataDir holds the database file and resolves relative table files.
	// Empty opens an in-memory database.
	DataDir string
	DBName  string
}

// Tables reads metadata tables. A path after the scheme is either a file
// (.parquet, .csv, .json) read in place or the name of a table in the
// database.
type Tables struct {
	db      *sql.DB
	dataDir string
}

// Open opens the database described by cfg.
func Open(cfg Config) (*Tables, error) {
	dsn := ""
	if cfg.DataDir != "" {
		duckdbDir := filepath.Join(cfg.DataDir, "duckdb")
		if err := os.MkdirAll(duckdbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create duckdb directory: %w", err)
		}
		name := cfg.DBName
		if name == "" {
			name = "metadata"
		}
		dsn = filepath.Join(duckdbDir, name+".duckdb")
	}
	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}

	// Extensions might already be installed or unavailable offline; file
	// readers fall back to the built-in ones.
	for _, ext := range []string{"parquet", "json"} {
		_, _ = conn.Exec(fmt.Sprintf("INSTALL %s; LOAD %s;", ext, ext))
	}
	return &Tables{db: conn, dataDir: cfg.DataDir}, nil
}

// DB returns the underlying connection.
func (t *Tables) DB() *sql.DB { return t.db }

// Close closes the database connection.
func (t *Tables) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

// Handles reports whether path is served by DuckDB.
func Handles(path string) bool { return strings.HasPrefix(path, Scheme) }

// Rows reads every row of a metadata table.
func (t *Tables) Rows(ctx context.Context, table pageconfig.MetadataTable) ([]map[string]any, error) {
	query, err := t.query(strings.TrimPrefix(table.Path, Scheme))
	if err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying metadata table %q: %w", table.Name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns of %q: %w", table.Name, err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %q: %w", table.Name, err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (t *Tables) query(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty duckdb table path")
	}
	file := path
	if !filepath.IsAbs(file) && t.dataDir != "" {
		file = filepath.Join(t.dataDir, file)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return "SELECT * FROM read_parquet(" + quote(file) + ")", nil
	case ".csv":
		return "SELECT * FROM read_csv_auto(" + quote(file) + ")", nil
	case ".json":
		return "SELECT * FROM read_json_auto(" + quote(file) + ")", nil
	}
	return `SELECT * FROM "` + strings.ReplaceAll(path, `"`, `""`) + `"`, nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// normalize maps driver values onto the JSON-like values the rest of the
// runtime compares against.
func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}
