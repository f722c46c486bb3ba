package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthFunc reports whether the collector currently considers itself
// healthy, plus a short status map included in the /health body.
type HealthFunc func() (bool, map[string]any)

// Monitor serves /health and /metrics.
type Monitor struct {
	srv    *http.Server
	log    zerolog.Logger
	health HealthFunc
}

func NewMonitor(addr string, m *Metrics, health HealthFunc, log zerolog.Logger) *Monitor {
	mon := &Monitor{log: log, health: health}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	r.HandleFunc("/health", mon.handleHealth).Methods(http.MethodGet)

	mon.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return mon
}

func (m *Monitor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ok, status := m.health()
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	body := map[string]any{"healthy": ok, "status": status, "time": time.Now().UTC().Format(time.RFC3339)}
	_ = json.NewEncoder(w).Encode(body)
}

// Run serves until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- m.srv.ListenAndServe() }()
	m.log.Info().Str("addr", m.srv.Addr).Msg("monitor listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
