// Package logging manages the gateway's process-level text logs: startup,
// shutdown, config reloads, migration warnings, plugin load failures. Each
// worker writes its own port-suffixed file under ~/.clasp/logs; a separate
// debug side channel traces request/response/SSE payloads (secrets masked)
// when CLASP_DEBUG is on. The daily-rotating JSON Lines access mirror lives
// in access.go.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clasp-gateway/clasp/internal/secrets"
)

var (
	mu           sync.Mutex
	logFile      *os.File
	logFilePath  string
	debugFile    *os.File
	debugLogger  *log.Logger
	debugPath    string
	debugEnabled bool
	workerID     string // "<pid>-<port>", distinguishes concurrent workers
)

const (
	maxLogSize      = 10 * 1024 * 1024
	maxDebugLogSize = 50 * 1024 * 1024
	keepRotated     = 5
)

func logsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clasp", "logs")
}

// FilePath returns the worker's log file path for port.
func FilePath(port int) string {
	return filepath.Join(logsDir(), fmt.Sprintf("clasp-%d.log", port))
}

// DebugFilePath returns the worker's debug log file path for port.
func DebugFilePath(port int) string {
	return filepath.Join(logsDir(), fmt.Sprintf("debug-%d.log", port))
}

// ConfigureFile redirects the standard logger to the worker's file. Called
// once per worker after the port is known.
func ConfigureFile(port int) error {
	mu.Lock()
	defer mu.Unlock()

	workerID = fmt.Sprintf("%d-%d", os.Getpid(), port)
	logFilePath = FilePath(port)
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}

	if info, err := os.Stat(logFilePath); err == nil && info.Size() > maxLogSize {
		rotate(logFilePath)
	}

	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open log file: %w", err)
	}
	logFile = f
	log.SetOutput(f)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[CLASP] [worker:%s] === worker started ===", workerID)
	return nil
}

// ConfigureStdout keeps logs on stdout (foreground/debug runs).
func ConfigureStdout() {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags)
}

// ConfigureQuiet discards all process log output.
func ConfigureQuiet() {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(io.Discard)
}

// Close flushes and closes the worker's log files.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		log.Printf("[CLASP] [worker:%s] === worker stopped ===", workerID)
		_ = logFile.Close()
		logFile = nil
	}
	if debugFile != nil {
		_ = debugFile.Close()
		debugFile = nil
		debugLogger = nil
		debugEnabled = false
	}
}

// rotate renames path with a timestamp suffix and prunes old rotations.
func rotate(path string) {
	stamp := time.Now().Format("20060102-150405")
	_ = os.Rename(path, path+"."+stamp)

	files, err := filepath.Glob(path + ".*")
	if err != nil || len(files) <= keepRotated {
		return
	}
	for i := 0; i < len(files)-keepRotated; i++ {
		_ = os.Remove(files[i])
	}
}

// EnableDebug opens the debug side channel for port.
func EnableDebug(port int) error {
	mu.Lock()
	defer mu.Unlock()

	debugPath = DebugFilePath(port)
	if err := os.MkdirAll(filepath.Dir(debugPath), 0o755); err != nil {
		return fmt.Errorf("logging: create debug log directory: %w", err)
	}
	if info, err := os.Stat(debugPath); err == nil && info.Size() > maxDebugLogSize {
		rotate(debugPath)
	}
	f, err := os.OpenFile(debugPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open debug log: %w", err)
	}
	debugFile = f
	debugEnabled = true
	debugLogger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
	debugLogger.Printf("[worker:%s] === debug trace started ===", workerID)
	return nil
}

// IsDebugEnabled reports whether the debug side channel is active.
func IsDebugEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return debugEnabled
}

// DebugPayload traces one request or response payload, pretty-printed when
// it is JSON. Secrets (API keys, bearer tokens, sensitive JSON fields) are
// masked before the bytes reach disk.
func DebugPayload(direction, endpoint string, data []byte) {
	mu.Lock()
	defer mu.Unlock()
	if !debugEnabled || debugLogger == nil {
		return
	}

	masked := secrets.MaskJSONSecrets(data)
	var pretty any
	if err := json.Unmarshal(masked, &pretty); err == nil {
		if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			masked = out
		}
	}
	debugLogger.Printf("[worker:%s] [%s] %s\n%s\n", workerID, direction, endpoint, masked)
}

// DebugSSE traces one SSE frame through the debug channel.
func DebugSSE(direction, eventType, data string) {
	mu.Lock()
	defer mu.Unlock()
	if !debugEnabled || debugLogger == nil {
		return
	}
	debugLogger.Printf("[worker:%s] [%s SSE] event: %s\ndata: %s\n",
		workerID, direction, eventType, secrets.MaskAllSecrets(data))
}

// Debugf traces a formatted message through the debug channel.
func Debugf(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	if !debugEnabled || debugLogger == nil {
		return
	}
	debugLogger.Printf("[worker:%s] %s", workerID, fmt.Sprintf(format, args...))
}

// ListLogFiles returns every clasp log file (worker and debug) on disk, for
// the CLI's logs command.
func ListLogFiles() ([]string, error) {
	dir := logsDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return []string{}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".log" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}
