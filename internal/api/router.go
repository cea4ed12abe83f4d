package api

import (
	"log/slog"
	"net/http"

	"collab-editor/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

type RouterOptions struct {
	AllowedOrigins []string
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
}

// SetupRoutes wires the REST endpoints, the websocket gateway and /metrics.
func SetupRoutes(h *Handler, ws http.Handler, opts RouterOptions, l *slog.Logger) http.Handler {
	r := mux.NewRouter()

	// Middleware runs in order: logger, tracing, then recovery
	r.Use(middleware.LoggerMiddleware(l))
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", h.GetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/changes", h.ListChanges).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/members", h.ListMembers).Methods(http.MethodGet)

	r.Handle("/ws/collab", ws)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	c := cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}
