package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store[S].
//
// It keeps every thread in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process chat applications that must survive restarts
//   - Prototyping before moving to MySQL or PostgreSQL
//
// The pool holds a single connection, so appends are serialized by SQLite's
// single writer. WAL mode lets readers proceed while a write is in flight.
//
// Schema:
//
//	graph_checkpoints(thread_id, seq, parent_seq, checkpoint_id, state,
//	                  next_nodes, metadata, created_at)
//	PRIMARY KEY (thread_id, seq)
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type SQLiteStore[S any] struct {
	sqlStore[S]
	path string
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS graph_checkpoints (
		thread_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		parent_seq INTEGER NOT NULL,
		checkpoint_id TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL,
		next_nodes TEXT NOT NULL,
		metadata TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, seq)
	)`,
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./threads.db" - file in current directory
//   - "/var/lib/app/threads.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The database file and table are created if they don't exist.
//
// Example:
//
//	st, err := store.NewSQLiteStore[ChatState]("./threads.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run %q: %w", p, err)
		}
	}

	st := &SQLiteStore[S]{
		sqlStore: sqlStore[S]{
			db: db,
			d:  dialect{name: "sqlite", schema: sqliteSchema},
		},
		path: path,
	}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Path returns the database location the store was opened with.
func (s *SQLiteStore[S]) Path() string {
	return s.path
}
