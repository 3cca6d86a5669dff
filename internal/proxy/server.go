// Package proxy is the serving shell around the gateway pipeline: it loads
// the route config, opens the access log store, registers the transformer
// catalog, mounts the management API, and hot-swaps the compiled Gateway on
// config changes.
package proxy

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/clasp-gateway/clasp/internal/config"
	"github.com/clasp-gateway/clasp/internal/gateway"
	"github.com/clasp-gateway/clasp/internal/logging"
	"github.com/clasp-gateway/clasp/internal/logstore"
	"github.com/clasp-gateway/clasp/internal/mgmt"
	"github.com/clasp-gateway/clasp/internal/plugin"
	"github.com/clasp-gateway/clasp/internal/stats"
	"github.com/clasp-gateway/clasp/internal/translator"
)

// managementPrefix namespaces the management API away from proxied routes,
// which are free to claim /api themselves.
const managementPrefix = "/_clasp"

func isManagementPath(p string) bool {
	return strings.HasPrefix(p, managementPrefix+"/")
}

// Server runs one worker's HTTP front: management API -> rate limit ->
// gateway pipeline.
type Server struct {
	configPath string
	port       int
	version    string

	registry    *plugin.Registry
	store       *logstore.Store
	access      *logging.AccessWriter
	bodyStore   *logstore.SideStore
	headerStore *logstore.SideStore
	stats       *stats.Collector
	watcher  *config.Watcher
	current  atomic.Pointer[gateway.Gateway]
	cfg      atomic.Pointer[config.RouteConfigFile]

	limiter    atomic.Pointer[RateLimiter]
	mgmtRouter http.Handler
	httpServer *http.Server
}

// NewServer loads configPath, opens the access log store, registers the
// transformer catalog, and compiles the initial Gateway.
func NewServer(configPath string, port int, version string) (*Server, error) {
	s := &Server{
		configPath: configPath,
		port:       port,
		version:    version,
		stats:      stats.NewCollector(),
	}

	dbPath := os.Getenv("CLASP_ACCESS_DB")
	if dbPath == "" {
		dbPath = defaultAccessDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("proxy: create log directory: %w", err)
	}
	store, err := logstore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("proxy: open access log store: %w", err)
	}
	s.store = store
	dataDir := filepath.Dir(dbPath)
	s.access = logging.NewAccessWriter(dataDir)
	s.bodyStore = logstore.NewBodyStore(dataDir)
	s.headerStore = logstore.NewHeaderStore(dataDir)

	s.registry = plugin.NewRegistry()
	translator.Register(s.registry)

	if err := s.reload(); err != nil {
		_ = store.Close()
		return nil, err
	}

	s.mgmtRouter = mgmt.NewRouter(mgmt.Sources{
		Config:    func() *config.RouteConfigFile { return s.cfg.Load() },
		Upstreams: func() []gateway.UpstreamState { return s.current.Load().UpstreamStates() },
		Stats:     s.stats,
		Logs: func(ctx context.Context, limit int) (any, error) {
			return s.store.Recent(ctx, limit)
		},
	})

	watcher, err := config.NewWatcher(configPath, func(path string) {
		if err := s.reload(); err != nil {
			log.Printf("[CLASP] config reload failed, keeping previous routes: %v", err)
		} else {
			log.Printf("[CLASP] reloaded routes from %s", path)
		}
	})
	if err != nil {
		log.Printf("[CLASP] warning: could not watch %s for changes: %v", configPath, err)
	} else {
		s.watcher = watcher
	}

	return s, nil
}

// reload rebuilds the Gateway from the config file and swaps it in
// atomically; in-flight requests keep the Gateway snapshot they started with.
func (s *Server) reload() error {
	file, err := config.LoadRouteConfigFile(s.configPath)
	if err != nil {
		return err
	}
	sink := &logFanout{store: s.store, access: s.access}
	gw, err := gateway.Build(file, s.registry, &http.Client{
		Timeout: 0, // per-attempt timeouts come from the failover policy
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // redirect=manual
		},
	}, sink)
	if err != nil {
		return fmt.Errorf("proxy: compile %s: %w", s.configPath, err)
	}
	gw.SetObserver(s.stats)
	gw.SetSideStores(s.bodyStore, s.headerStore)
	s.current.Store(gw)
	s.cfg.Store(file)

	if rl := file.RateLimit; rl != nil && rl.Requests > 0 {
		s.limiter.Store(NewRateLimiter(rl.Requests, rl.Window, rl.Burst))
	} else {
		s.limiter.Store(nil)
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isManagementPath(r.URL.Path) {
		http.StripPrefix(managementPrefix, s.mgmtRouter).ServeHTTP(w, r)
		return
	}
	if rl := s.limiter.Load(); rl != nil && r.URL.Path != "/health" && !rl.Allow() {
		writeRateLimited(w, rl.WaitTime())
		return
	}
	s.current.Load().ServeHTTP(w, r)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses may run indefinitely
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("[CLASP] %s: serving routes from %s on port %d", s.version, s.configPath, s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, drains the async log queue, and
// releases the config watcher and plugin registry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	var shutdownErr error
	if s.httpServer != nil {
		shutdownErr = s.httpServer.Shutdown(ctx)
	}
	if err := s.store.Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	if s.access != nil {
		_ = s.access.Close()
	}
	s.registry.Close()
	return shutdownErr
}

// logFanout feeds each attempt entry to the durable store and mirrors it
// onto the JSON Lines access file for external tailers.
type logFanout struct {
	store  *logstore.Store
	access *logging.AccessWriter
}

func (f *logFanout) Write(e logstore.LogEntry) {
	f.store.Write(e)
	if f.access != nil {
		if err := f.access.Write(e); err != nil {
			log.Printf("[CLASP] access mirror write failed: %v", err)
		}
	}
}

// CleanupLogs deletes access log rows older than retentionDays.
func (s *Server) CleanupLogs(ctx context.Context, retentionDays int) (int64, error) {
	return s.store.Cleanup(ctx, retentionDays)
}

// Stats exposes the statistics collector (consumed by the status display).
func (s *Server) Stats() *stats.Collector { return s.stats }

// UpstreamStates exposes the live breaker states.
func (s *Server) UpstreamStates() []gateway.UpstreamState {
	return s.current.Load().UpstreamStates()
}

func defaultAccessDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "access.db"
	}
	return filepath.Join(home, ".clasp", "access.db")
}
