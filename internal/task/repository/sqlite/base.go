// Package sqlite provides the SQLite-backed dispatcher store.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQLite-based storage for the task queue, execution
// traces, conversation history, the repository registry and stored schedules.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// NewWithDB creates a repository over existing database connections (shared
// ownership; the caller closes the pool).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// DB returns the underlying writer connection for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initTaskSchema(); err != nil {
		return err
	}
	if err := r.initConversationSchema(); err != nil {
		return err
	}
	if err := r.initRegistrySchema(); err != nil {
		return err
	}
	if err := r.initScheduleSchema(); err != nil {
		return err
	}
	if err := r.runMigrations(); err != nil {
		return err
	}
	return r.ensureIndexes()
}

func (r *Repository) initTaskSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		repo TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		task_type TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		kind TEXT NOT NULL,
		summary TEXT NOT NULL,
		detail TEXT
	);
	`)
	return err
}

func (r *Repository) initConversationSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_modes (
		user_id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initRegistrySchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS repos (
		name TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		owner TEXT DEFAULT '',
		default_branch TEXT NOT NULL DEFAULT 'main',
		source TEXT NOT NULL,
		excluded INTEGER NOT NULL DEFAULT 0,
		last_synced_at TIMESTAMP
	);
	`)
	return err
}

func (r *Repository) initScheduleSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		repo TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL,
		schedule TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// runMigrations applies additive column migrations so databases created by
// older builds keep working. Older schemas predate task_type and priority.
func (r *Repository) runMigrations() error {
	if err := r.ensureColumn("tasks", "task_type", "TEXT"); err != nil {
		return err
	}
	return r.ensureColumn("tasks", "priority", "INTEGER NOT NULL DEFAULT 0")
}

func (r *Repository) ensureIndexes() error {
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_task_id ON traces(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_user_id ON chat_messages(user_id)`,
	} {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumn adds a column to a table if it doesn't exist.
func (r *Repository) ensureColumn(table, column, definition string) error {
	exists, err := r.columnExists(table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = r.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func (r *Repository) columnExists(table, column string) (bool, error) {
	rows, err := r.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
