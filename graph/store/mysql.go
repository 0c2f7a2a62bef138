package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQL error numbers worth retrying an append for.
const (
	mysqlDuplicateEntry = 1062
	mysqlDeadlock       = 1213
	mysqlLockWaitTimout = 1205
)

// MySQLStore is a MySQL/MariaDB implementation of Store[S].
//
// Designed for:
//   - Production deployments with several workers sharing threads
//   - Long-lived threads that survive process restarts
//   - Audit trails of every checkpoint
//
// Appends lock the thread's rows with SELECT ... FOR UPDATE, so concurrent
// writers on one thread take turns while other threads are unaffected.
// Deadlocks and duplicate-key races on brand-new threads are retried.
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type MySQLStore[S any] struct {
	sqlStore[S]
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS graph_checkpoints (
		thread_id VARCHAR(255) NOT NULL,
		seq BIGINT NOT NULL,
		parent_seq BIGINT NOT NULL,
		checkpoint_id CHAR(26) NOT NULL,
		state JSON NOT NULL,
		next_nodes JSON NOT NULL,
		metadata JSON NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (thread_id, seq),
		UNIQUE KEY unique_checkpoint_id (checkpoint_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Example:
//
//	dsn := os.Getenv("MYSQL_DSN") // user:pass@tcp(localhost:3306)/threads
//	st, err := store.NewMySQLStore[ChatState](dsn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
// Never hardcode credentials; read the DSN from the environment or a config file.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create MySQL connector: %w", err)
	}
	db := sql.OpenDB(connector)

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	st := &MySQLStore[S]{sqlStore: sqlStore[S]{
		db: db,
		d: dialect{
			name:         "mysql",
			schema:       mysqlSchema,
			maxSeqSuffix: " FOR UPDATE",
			retryable:    isRetryableMySQLError,
		},
	}}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func isRetryableMySQLError(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case mysqlDuplicateEntry, mysqlDeadlock, mysqlLockWaitTimout:
		return true
	}
	return false
}
