package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Readiness tracks whether the startup sequence (spec §7: stores open,
// streams/groups ensured, CDC backfill done, consumers and workers
// running) has finished. /health always reports the process is alive;
// /ready reports this flag.
type Readiness struct {
	ready atomic.Bool
}

// SetReady flips the readiness flag; called once startup completes.
func (r *Readiness) SetReady(v bool) { r.ready.Store(v) }

// Ready reports the current readiness state.
func (r *Readiness) Ready() bool { return r.ready.Load() }

// StatsFunc produces the current point-in-time operational snapshot shown
// at /stats (queue depths, worker counts, schema versions — local
// inspection only, never a query API per spec §1 non-goals).
type StatsFunc func(ctx context.Context) (map[string]interface{}, error)

// NewRouter builds the control plane's HTTP surface: the teacher's
// middleware chaining idiom (chi.Router, RequestID, Recoverer, a request
// logger, a timeout wrapper) in front of /health, /ready, /stats.
func NewRouter(logger zerolog.Logger, requestTimeout time.Duration, ready *Readiness, stats StatsFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(withTimeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		if !ready.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		snap, err := stats(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
