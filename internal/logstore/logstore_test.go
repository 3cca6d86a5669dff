package logstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "access.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreWriteAndFlushDoesNotBlock(t *testing.T) {
	s := newTestStore(t)
	s.Write(LogEntry{RequestID: "r1", Timestamp: time.Now(), Method: "GET", Path: "/x", Success: true})
	s.flush()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM access_logs").Scan(&count); err != nil {
		t.Fatalf("query error = %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestStoreIdempotentOnDuplicateRequestID(t *testing.T) {
	s := newTestStore(t)
	entry := LogEntry{RequestID: "dup", Timestamp: time.Now(), Method: "GET", Path: "/x"}
	s.Write(entry)
	s.flush()
	s.Write(entry)
	s.flush()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM access_logs WHERE request_id = ?", "dup").Scan(&count); err != nil {
		t.Fatalf("query error = %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 row after duplicate writes, got %d", count)
	}
}

func TestCleanupDeletesAgedRows(t *testing.T) {
	s := newTestStore(t)
	old := LogEntry{RequestID: "old", Timestamp: time.Now().Add(-48 * time.Hour)}
	s.Write(old)
	s.flush()

	if _, err := s.db.Exec("UPDATE access_logs SET created_at = ? WHERE request_id = ?",
		time.Now().Add(-48*time.Hour).Format(time.RFC3339Nano), "old"); err != nil {
		t.Fatalf("backdating row: %v", err)
	}

	deleted, err := s.Cleanup(context.Background(), 1)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted row, got %d", deleted)
	}
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	s.Write(LogEntry{RequestID: "first", Timestamp: time.Now().Add(-time.Minute), Method: "GET", Path: "/a", Status: 200, Success: true})
	s.Write(LogEntry{RequestID: "second", Timestamp: time.Now(), Method: "POST", Path: "/b", Status: 500})
	s.flush()

	rows, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].RequestID != "second" || rows[1].RequestID != "first" {
		t.Fatalf("expected newest first, got %+v", rows)
	}
	if rows[0].Status != 500 || rows[0].Success {
		t.Fatalf("row fields not round-tripped: %+v", rows[0])
	}
}

func TestSideStoreSkipsOversizedNonErrorBody(t *testing.T) {
	dir := t.TempDir()
	store := NewBodyStore(dir)
	store.maxSize = 4
	ref, err := store.Save("req1", []byte("this is too long"), KindRequest, 200)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if ref != "" {
		t.Fatalf("expected oversized non-error body to be skipped, got ref %q", ref)
	}
}

func TestSideStoreAlwaysStoresErrorResponses(t *testing.T) {
	dir := t.TempDir()
	store := NewBodyStore(dir)
	store.maxSize = 4
	ref, err := store.Save("req2", []byte("this is too long"), KindResponse, 500)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if ref == "" {
		t.Fatalf("expected error responses to always be stored")
	}
	if _, err := os.Stat(filepath.Join(dir, "logs", "bodies", ref)); err != nil {
		t.Fatalf("expected file to exist at %s: %v", ref, err)
	}
}
