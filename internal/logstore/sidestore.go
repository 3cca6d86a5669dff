package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SideStoreKind distinguishes the three payload slots an attempt can
// reference.
type SideStoreKind string

const (
	KindRequest         SideStoreKind = "request"
	KindResponse        SideStoreKind = "response"
	KindOriginalRequest SideStoreKind = "original-request"
)

// SideStore persists request/response/original-request bodies or headers
// on the filesystem, partitioned by date.
type SideStore struct {
	baseDir string
	maxSize int64
}

// NewBodyStore/NewHeaderStore both construct a SideStore rooted at
// logs/bodies or logs/headers; maxSize is the default 5 KiB cap on stored
// bodies (error responses are always stored regardless of size).
func NewBodyStore(root string) *SideStore {
	return &SideStore{baseDir: filepath.Join(root, "logs", "bodies"), maxSize: 5 * 1024}
}

func NewHeaderStore(root string) *SideStore {
	return &SideStore{baseDir: filepath.Join(root, "logs", "headers"), maxSize: 0} // headers are never size-capped
}

// Save writes payload under <baseDir>/YYYY-MM-DD/<kind>-<requestId>.json and
// returns the reference id (relative path) to store in the log entry, or ""
// if the payload was skipped for exceeding maxSize (and status < 400).
func (s *SideStore) Save(requestID string, payload []byte, kind SideStoreKind, status int) (string, error) {
	if s.maxSize > 0 && int64(len(payload)) > s.maxSize && status < 400 {
		return "", nil
	}

	day := time.Now().Format("2006-01-02")
	dir := filepath.Join(s.baseDir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	filename := fmt.Sprintf("%s-%s.json", kind, requestID)
	fullPath := filepath.Join(dir, filename)
	if err := os.WriteFile(fullPath, payload, 0o644); err != nil {
		return "", err
	}

	return filepath.Join(day, filename), nil
}
