package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"strings"

	"tutor/backend/internal/config"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"

func Open(cfg config.Config) (*sql.DB, error) {
	return OpenURL(cfg.DatabaseURL, cfg.DatabaseAuthToken)
}

// OpenURL opens a local SQLite file (file: or :memory:) with the embedded
// driver, and anything else through libsql.
func OpenURL(rawURL, authToken string) (*sql.DB, error) {
	driver := "libsql"
	dsn, err := buildDSN(rawURL, authToken)
	if err != nil {
		return nil, err
	}
	if isLocal(dsn) {
		driver = "sqlite"
		dsn = withSQLitePragmas(dsn)
	}

	database, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == "sqlite" {
		// SQLite allows a single writer; :memory: is also per connection.
		database.SetMaxOpenConns(1)
	}

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return database, nil
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, database *sql.DB) error {
	for _, statement := range splitStatements(schema) {
		if _, err := database.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Reset deletes every row the service owns, children first.
func Reset(ctx context.Context, database *sql.DB) error {
	for _, table := range []string{"artifacts", "turns", "conversations", "sessions", "users"} {
		if _, err := database.ExecContext(ctx, "DELETE FROM "+table+";"); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

func splitStatements(raw string) []string {
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed+";")
		}
	}
	return out
}

func isLocal(dsn string) bool {
	return strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, ":memory:")
}

func withSQLitePragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqlitePragmas
	}
	return dsn + "?" + sqlitePragmas
}

func buildDSN(rawURL, authToken string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", fmt.Errorf("empty database url")
	}

	if isLocal(rawURL) {
		return rawURL, nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}

	if strings.HasPrefix(rawURL, "libsql://") {
		query := parsed.Query()
		if query.Get("authToken") == "" && strings.TrimSpace(authToken) != "" {
			query.Set("authToken", strings.TrimSpace(authToken))
			parsed.RawQuery = query.Encode()
		}
	}

	return parsed.String(), nil
}
