package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/attestgateway/pkg/types"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode so readers of /v1/lookups do not block the recorder
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lookups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		network TEXT NOT NULL,
		address TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL,
		error_reason TEXT,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		looked_up_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lookups_time ON lookups(looked_up_at_ms DESC);
	CREATE INDEX IF NOT EXISTS idx_lookups_address ON lookups(address);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BulkInsertLookups inserts lookup events using a single transaction so the
// fsync cost is paid once per batch.
func (s *SQLiteStorage) BulkInsertLookups(ctx context.Context, events []types.LookupEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lookups (network, address, count, success, error_reason, latency_ms, looked_up_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, ev.Network, strings.ToLower(ev.Address), int64(ev.Count),
			boolToInt(ev.Success), nullString(ev.Error), ev.LatencyMs, ev.Timestamp.UnixMilli())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListLookups retrieves a page of lookups, newest first.
func (s *SQLiteStorage) ListLookups(ctx context.Context, address string, limit, offset int) (*types.PaginatedLookups, error) {
	where := ""
	args := []any{}
	if address != "" {
		where = "WHERE address = ?"
		args = append(args, strings.ToLower(address))
	}

	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM lookups "+where, args...).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT network, address, count, success, error_reason, latency_ms, looked_up_at_ms
		FROM lookups `+where+`
		ORDER BY looked_up_at_ms DESC, id DESC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lookups := []types.LookupEvent{}
	for rows.Next() {
		var ev types.LookupEvent
		var count int64
		var success int
		var errorReason sql.NullString
		var atMs int64

		if err := rows.Scan(&ev.Network, &ev.Address, &count, &success, &errorReason, &ev.LatencyMs, &atMs); err != nil {
			return nil, err
		}
		ev.Count = uint64(count)
		ev.Success = success != 0
		if errorReason.Valid {
			ev.Error = errorReason.String
		}
		ev.Timestamp = time.UnixMilli(atMs).UTC()
		lookups = append(lookups, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &types.PaginatedLookups{
		Lookups: lookups,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
