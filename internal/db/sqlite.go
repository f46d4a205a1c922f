package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeoutMs = 5000

	// defaultReaderConns is the number of concurrent read connections.
	// WAL mode allows many readers alongside a single writer; 4 is a
	// reasonable default for a single-node workload.
	defaultReaderConns = 4
)

// Open opens the SQLite database at path as a writer/reader Pool.
// busyTimeoutMs <= 0 selects the default.
func Open(path string, busyTimeoutMs int) (*Pool, error) {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = defaultBusyTimeoutMs
	}

	normalized := normalizePath(path)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureFile(normalized); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	// - cache=shared: allow multiple connections to share a page cache.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized, busyTimeoutMs,
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// Reader DSN: read-only mode, FK enforcement, shared cache.
	// journal_mode and synchronous are database-level (set by the writer).
	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalized, busyTimeoutMs,
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	reader.SetMaxOpenConns(defaultReaderConns)
	reader.SetMaxIdleConns(defaultReaderConns)

	return &Pool{writer: writer, reader: reader}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
