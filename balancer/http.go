package balancer

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func writeError(w http.ResponseWriter, status int, title, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": title, "message": msg})
}

// Handler mounts the balancer's own endpoints under /_lb and proxies
// everything else. metricsHandler may be nil.
func (b *Balancer) Handler(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/_lb/instances", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"instances": b.Instances()})
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/_lb/metrics", metricsHandler)
	}
	r.Handle("/*", b)
	return r
}
