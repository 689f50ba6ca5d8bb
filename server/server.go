// Package server exposes the bridge's HTTP surface: liveness, a JSON session
// snapshot, and Prometheus metrics. Requests get a correlation id injected
// into their context for consistent logging.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/ircbridge/bus"
	"github.com/onnwee/ircbridge/irc"
	"github.com/onnwee/ircbridge/logstore"
	"github.com/onnwee/ircbridge/telemetry"
)

// NewMux returns the HTTP handler with all routes.
func NewMux(m *irc.Manager, b bus.Bus, store *logstore.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !b.Connected() {
			http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Networks []irc.SessionStatus `json:"networks"`
			Buffered int                 `json:"buffered_records"`
		}{
			Networks: m.Status(),
			Buffered: store.Pending(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			telemetry.LoggerWithCorr(r.Context()).Error("status encode failed", slog.Any("err", err))
		}
	})

	return withCorrelation(mux)
}

// withCorrelation injects a correlation id into every request context.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := telemetry.WithCorrelation(r.Context(), id)
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
