package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// shutdownTimeout is the longest the HTTP server waits for requests in flight.
const shutdownTimeout = 15 * time.Second

// Handler returns the read-mostly HTTP interface of the monitor. If metrics is
// not nil, it is mounted at /metrics.
func (m *Monitor) Handler(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(m.logRequests)

	r.Get("/topology", m.serveTopology)
	r.Get("/statistics", m.serveStatistics)
	r.Post("/members/{member}/stop", m.serveStopMember)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}

func (m *Monitor) serveTopology(w http.ResponseWriter, r *http.Request) {
	blob, err := m.Snapshot()
	if err != nil {
		writeErr(w, err, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(blob)
}

func (m *Monitor) serveStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := m.Statistics()
	if err != nil {
		writeErr(w, err, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (m *Monitor) serveStopMember(w http.ResponseWriter, r *http.Request) {
	member := chi.URLParam(r, "member")
	if err := m.BroadcastStopNode(member); err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// logRequests traces every request into the monitor logger.
func (m *Monitor) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		m.logger.Trace("Served HTTP request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func writeErr(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// Serve runs an HTTP server until the context is cancelled, then shuts it down
// gracefully. Binding the listener failing is reported right away.
func Serve(ctx context.Context, addr string, handler http.Handler, logger log.Logger) error {
	if logger == nil {
		logger = log.New()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Monitor HTTP server started", "addr", listener.Addr())

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(listener)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Monitor HTTP server shutdown incomplete", "err", err)
		return err
	}
	logger.Info("Monitor HTTP server stopped")
	return nil
}
