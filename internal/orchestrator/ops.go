package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/v13quant/orderflow/internal/metrics"
)

// Ops is the orchestrator's HTTP surface: /health for probes, /metrics for
// scraping.
type Ops struct {
	server *http.Server
}

// NewOps builds the ops server over the orchestrator's health snapshot.
func NewOps(addr string, o *Orchestrator) *Ops {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		h := o.Health()
		w.Header().Set("Content-Type", "application/json")
		if healthy, ok := h["healthy"].(bool); ok && !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Default().Handler()).Methods(http.MethodGet)

	return &Ops{server: &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}}
}

// ListenAndServe blocks serving until Shutdown.
func (s *Ops) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server with a short drain window.
func (s *Ops) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}
