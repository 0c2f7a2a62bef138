package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool

	// schema statements executed on open
	schema []string

	// maxSeqSuffix is appended to the max-seq query inside Append (e.g. FOR UPDATE).
	maxSeqSuffix string

	// lockThread serializes appends to one thread inside tx. Optional.
	lockThread func(ctx context.Context, tx *sql.Tx, threadID string) error

	// retryable reports whether an Append failure should be retried.
	retryable func(err error) bool
}

// sqlStore implements Store[S] over database/sql. SQLiteStore, MySQLStore
// and PostgresStore embed it with their dialect.
type sqlStore[S any] struct {
	db     *sql.DB
	d      dialect
	mu     sync.RWMutex
	closed bool
}

const appendAttempts = 5

// q rewrites ? placeholders for dialects that number them.
func (s *sqlStore[S]) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore[S]) migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply %s schema: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore[S]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Append implements Store.
func (s *sqlStore[S]) Append(ctx context.Context, threadID string, parentSeq int64, state S, next []string, meta Metadata) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	rec, err := newRecord(threadID, parentSeq, state, next, meta)
	if err != nil {
		return 0, err
	}
	cols, err := rec.columns()
	if err != nil {
		return 0, err
	}

	for attempt := 1; ; attempt++ {
		seq, err := s.appendOnce(ctx, rec, cols)
		if err == nil {
			return seq, nil
		}
		if attempt >= appendAttempts || s.d.retryable == nil || !s.d.retryable(err) {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
}

func (s *sqlStore[S]) appendOnce(ctx context.Context, rec record, cols columns) (seq int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.d.lockThread != nil {
		if err = s.d.lockThread(ctx, tx, rec.ThreadID); err != nil {
			return 0, fmt.Errorf("failed to lock thread %s: %w", rec.ThreadID, err)
		}
	}

	var maxSeq int64
	query := s.q("SELECT COALESCE(MAX(seq), 0) FROM graph_checkpoints WHERE thread_id = ?" + s.d.maxSeqSuffix)
	if err = tx.QueryRowContext(ctx, query, rec.ThreadID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("failed to read latest sequence: %w", err)
	}

	// Sequence numbers are dense, so the parent exists iff it is in [1, maxSeq].
	switch {
	case rec.ParentSeq == 0 && maxSeq > 0:
		return 0, fmt.Errorf("thread %s already has %d checkpoints: %w", rec.ThreadID, maxSeq, ErrInvalidParent)
	case rec.ParentSeq < 0 || rec.ParentSeq > maxSeq:
		return 0, fmt.Errorf("parent checkpoint %s/%d: %w", rec.ThreadID, rec.ParentSeq, ErrNotFound)
	}

	seq = maxSeq + 1
	insert := s.q(`INSERT INTO graph_checkpoints
		(thread_id, seq, parent_seq, checkpoint_id, state, next_nodes, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err = tx.ExecContext(ctx, insert,
		rec.ThreadID, seq, rec.ParentSeq, rec.ID,
		string(cols.state), string(cols.next), string(cols.metadata),
		rec.CreatedAt.UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return seq, nil
}

const selectColumns = "thread_id, seq, parent_seq, checkpoint_id, state, next_nodes, metadata, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (record, error) {
	var (
		threadID  string
		seq       int64
		parentSeq int64
		id        string
		c         columns
		createdAt int64
	)
	if err := row.Scan(&threadID, &seq, &parentSeq, &id, &c.state, &c.next, &c.metadata, &createdAt); err != nil {
		return record{}, err
	}
	return fromColumns(threadID, seq, parentSeq, id, c, time.Unix(0, createdAt).UTC())
}

func (s *sqlStore[S]) queryOne(ctx context.Context, query string, args ...any) (Checkpoint[S], error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint[S]{}, err
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint[S]{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return decode[S](rec)
}

// Latest implements Store.
func (s *sqlStore[S]) Latest(ctx context.Context, threadID string) (Checkpoint[S], error) {
	return s.queryOne(ctx,
		"SELECT "+selectColumns+" FROM graph_checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1",
		threadID)
}

// Get implements Store.
func (s *sqlStore[S]) Get(ctx context.Context, threadID string, seq int64) (Checkpoint[S], error) {
	return s.queryOne(ctx,
		"SELECT "+selectColumns+" FROM graph_checkpoints WHERE thread_id = ? AND seq = ?",
		threadID, seq)
}

// History implements Store.
func (s *sqlStore[S]) History(ctx context.Context, threadID string) ([]Checkpoint[S], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT "+selectColumns+" FROM graph_checkpoints WHERE thread_id = ? ORDER BY seq DESC"),
		threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return decodeAll[S](records)
}

// Threads implements Store.
func (s *sqlStore[S]) Threads(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT thread_id FROM graph_checkpoints ORDER BY thread_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan thread id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close implements Store. Calling Close more than once is safe.
func (s *sqlStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// DB exposes the underlying connection pool, e.g. for health checks.
func (s *sqlStore[S]) DB() *sql.DB {
	return s.db
}
