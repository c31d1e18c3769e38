package controlplane

import (
	"fmt"
	"net"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// requestLogger logs one line per request in the teacher's shape (method,
// path, request id, status, duration), adapted from router.mwRequestLogger.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("control plane request")
		})
	}
}

// withTimeout bounds every request's handling time so a stuck /stats query
// (e.g. a slow trace-store scan) can never wedge the control plane.
func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"timeout"}`)
	}
}

// requireLoopback checks addr is a loopback address before the listener
// is opened, honoring the spec's "must refuse bindings to non-loopback
// addresses unless explicitly configured" (spec §6), overridable via
// TELEMETRY_ALLOW_NONLOOPBACK=1.
func requireLoopback(addr string, allowNonLoopback bool) error {
	if allowNonLoopback {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("refusing to bind %q: empty host is not loopback-safe; set TELEMETRY_ALLOW_NONLOOPBACK=1 to override", addr)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		// Literal loopback hostnames resolve without DNS; anything else
		// that fails to resolve is treated as unsafe rather than assumed fine.
		if host == "localhost" {
			return nil
		}
		return fmt.Errorf("resolve listen host %q: %w", host, err)
	}
	for _, ip := range ips {
		if !ip.IsLoopback() {
			return fmt.Errorf("refusing to bind non-loopback address %q; set TELEMETRY_ALLOW_NONLOOPBACK=1 to override", addr)
		}
	}
	return nil
}
