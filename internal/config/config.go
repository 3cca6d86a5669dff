// Package config carries the gateway's two configuration layers: process
// settings from environment variables (this file) and the route config file
// with its watcher (routes.go).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Settings is the process-level configuration read once at startup.
type Settings struct {
	// Port the worker listens on. PORT, or CLASP_PORT when both are set.
	Port int

	// WorkerCount is how many workers the supervisor spawns.
	WorkerCount int

	// ConfigPath locates the route config file.
	ConfigPath string

	// LogLevel controls process log verbosity: debug | info | warn | error.
	LogLevel string

	// Debug enables the SSE/body trace side channel.
	Debug bool

	// AccessDBPath overrides where the access log SQLite store lives.
	AccessDBPath string

	// RetentionDays bounds how long access log rows are kept.
	RetentionDays int

	// BodyLogMaxSize caps stored body payloads in bytes. Error responses are
	// stored regardless of size.
	BodyLogMaxSize int
}

// Defaults; every field has an environment override.
const (
	DefaultPort           = 8080
	DefaultWorkerCount    = 2
	DefaultRetentionDays  = 30
	DefaultBodyLogMaxSize = 5 * 1024
)

// LoadSettings reads the environment. Unset variables take defaults; a
// malformed numeric value falls back to its default rather than failing
// startup.
func LoadSettings() *Settings {
	s := &Settings{
		Port:           envIntOr("PORT", DefaultPort),
		WorkerCount:    envIntOr("WORKER_COUNT", DefaultWorkerCount),
		ConfigPath:     os.Getenv("CONFIG_PATH"),
		LogLevel:       strings.ToLower(os.Getenv("LOG_LEVEL")),
		Debug:          envBool("CLASP_DEBUG"),
		AccessDBPath:   os.Getenv("CLASP_ACCESS_DB"),
		RetentionDays:  envIntOr("CLASP_LOG_RETENTION_DAYS", DefaultRetentionDays),
		BodyLogMaxSize: envIntOr("CLASP_BODY_LOG_MAX_SIZE", DefaultBodyLogMaxSize),
	}
	if v := os.Getenv("CLASP_PORT"); v != "" {
		s.Port = envIntOr("CLASP_PORT", s.Port)
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	return s
}

// Validate rejects settings no worker could start with.
func (s *Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", s.Port)
	}
	if s.WorkerCount <= 0 {
		return fmt.Errorf("config: worker count must be positive, got %d", s.WorkerCount)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", s.LogLevel)
	}
	return nil
}

func envIntOr(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
