// Package mgmt is the management HTTP sub-router consumed by the UI: current
// route configuration, recent access log rows, live upstream breaker states,
// and the statistics collector's snapshot.
package mgmt

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/clasp-gateway/clasp/internal/config"
	"github.com/clasp-gateway/clasp/internal/gateway"
	"github.com/clasp-gateway/clasp/internal/stats"
)

// Sources collects the live views the router serves. Any nil source turns
// its endpoint into a 404.
type Sources struct {
	Config    func() *config.RouteConfigFile
	Upstreams func() []gateway.UpstreamState
	Stats     *stats.Collector
	Logs      func(ctx context.Context, limit int) (any, error)
}

// NewRouter builds the /api sub-router.
func NewRouter(src Sources) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		if src.Config == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, src.Config())
	})

	mux.HandleFunc("/api/upstreams", func(w http.ResponseWriter, r *http.Request) {
		if src.Upstreams == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, src.Upstreams())
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if src.Stats == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, src.Stats.Snapshot())
	})

	mux.HandleFunc("/api/logs", func(w http.ResponseWriter, r *http.Request) {
		if src.Logs == nil {
			http.NotFound(w, r)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows, err := src.Logs(r.Context(), limit)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, rows)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
