package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zereker/htsp"
)

type healthResponse struct {
	State   string `json:"state"`
	Healthy bool   `json:"healthy"`
}

// NewRouter serves /metrics from the collector's registry and /healthz,
// which answers 200 only while the connection is authenticated.
func NewRouter(c *Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := c.State()
		resp := healthResponse{State: state.String(), Healthy: state == htsp.StateReady}

		w.Header().Set("Content-Type", "application/json")
		if !resp.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return r
}
