package logstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store owns the database handle, the batch queue, and the flush timer.
// The write path is single-flight: one background goroutine drains the
// queue; producers only ever append.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	queue    []LogEntry
	closed   bool
	degraded bool

	flushThreshold int
	flushInterval  time.Duration

	wake     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// Open opens (creating if necessary) the SQLite database at path, applies
// migrations, and starts the background flush loop. A failed migration
// downgrades the store to "degraded logging" rather than failing startup.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("logstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // WAL + one writer keeps the single-flight property honest

	s := &Store{
		db:             db,
		flushThreshold: 100,
		flushInterval:  5 * time.Second,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		log.Printf("logstore: migration failed, continuing in degraded logging mode: %v", err)
		s.degraded = true
	}

	go s.loop()
	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

// Degraded reports whether the store is running without a working schema
// (requests still proceed; persistence may be incomplete).
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Write enqueues entry without blocking the caller. When the queue reaches
// flushThreshold, a flush is kicked off asynchronously.
func (s *Store) Write(entry LogEntry) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, entry)
	shouldFlush := len(s.queue) >= s.flushThreshold
	s.mu.Unlock()

	if shouldFlush {
		s.signal()
	}
}

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) loop() {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	defer close(s.stopped)
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.wake:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush drains the queue into a single transaction. A failing batch is
// rolled back and re-enqueued to the head of the queue; a single failing
// row inside a successful transaction is silently ignored via INSERT OR
// IGNORE, which makes replays idempotent by request_id.
func (s *Store) flush() {
	s.mu.Lock()
	if len(s.queue) == 0 || s.degraded {
		s.mu.Unlock()
		return
	}
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	if err := s.insertBatch(batch); err != nil {
		log.Printf("logstore: flush failed, re-queuing %d entries: %v", len(batch), err)
		s.mu.Lock()
		s.queue = append(batch, s.queue...)
		s.mu.Unlock()
	}
}

func (s *Store) insertBatch(batch []LogEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		steps, _ := json.Marshal(e.ProcessingSteps)
		_, err := stmt.Exec(
			e.RequestID, e.Timestamp.Format(time.RFC3339Nano), e.Method, e.Path, e.Query,
			e.Status, e.DurationMs, e.RoutePath, e.Upstream, e.Transformer, e.TransformedPath,
			string(steps), boolToInt(e.Auth.Success), e.Auth.Level, e.ErrorMessage,
			e.BodyRefs.Req, e.BodyRefs.Resp, e.BodyRefs.OrigReq,
			e.HeaderRefs.Req, e.HeaderRefs.Resp, e.HeaderRefs.OrigReq,
			boolToInt(e.Failover.IsAttempt), e.Failover.ParentRequestID, e.Failover.AttemptNumber,
			e.Failover.AttemptUpstream, e.Failover.RequestType,
			boolToInt(e.Success), time.Now().Format(time.RFC3339Nano),
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

const insertSQL = `INSERT OR IGNORE INTO access_logs (
    request_id, timestamp, method, path, query, status, duration_ms, route_path, upstream,
    transformer, transformed_path, processing_steps, auth_success, auth_level, error_message,
    body_req_ref, body_resp_ref, body_orig_req_ref, header_req_ref, header_resp_ref, header_orig_req_ref,
    failover_is_attempt, failover_parent_id, failover_attempt_number, failover_attempt_upstream,
    failover_request_type, success, created_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close stops the flush timer, drains once more, and closes the database.
// It blocks until the background loop's final flush has actually run, so
// the drain is guaranteed to complete before the handle closes underneath it.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.stopped
	return s.db.Close()
}

// Row is one persisted access_logs record as served back to observers.
type Row struct {
	RequestID    string `json:"request_id"`
	Timestamp    string `json:"timestamp"`
	Method       string `json:"method"`
	Path         string `json:"path"`
	Status       int    `json:"status"`
	DurationMs   int64  `json:"duration_ms"`
	RoutePath    string `json:"route_path"`
	Upstream     string `json:"upstream"`
	ErrorMessage string `json:"error_message,omitempty"`
	RequestType  string `json:"request_type"`
	Success      bool   `json:"success"`
}

// Recent returns the newest limit rows, newest first. A pending queue is not
// consulted; observers see only flushed entries.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT request_id, timestamp, method, path, status,
	    duration_ms, route_path, upstream, error_message, failover_request_type, success
	    FROM access_logs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var success int
		if err := rows.Scan(&r.RequestID, &r.Timestamp, &r.Method, &r.Path, &r.Status,
			&r.DurationMs, &r.RoutePath, &r.Upstream, &r.ErrorMessage, &r.RequestType, &success); err != nil {
			return nil, err
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cleanup deletes rows older than retentionDays and runs a compaction pass.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, "DELETE FROM access_logs WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		log.Printf("logstore: vacuum after cleanup failed: %v", err)
	}
	return deleted, nil
}
