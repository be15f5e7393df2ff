/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Request logging through zap
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests

ROUTE GROUPS:
  /api/users/*          Per-user ledger
  /api/cdrs/batch       Batch ingestion
  /api/admin/*          Admin operations
  /api/clock/*          Engine clock
  /healthz              Liveness
  /metrics              Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured. gatherer may be
// nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/cdrs/batch", h.AddBatch)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Get("/cycle", h.GetCycle)
			r.Get("/balance", h.GetBalance)
			r.Get("/snapshots", h.ListSnapshots)

			// Current cycle
			r.Route("/cdrs", func(r chi.Router) {
				r.Get("/", h.ListCDRs)
				r.Post("/", h.AddCDR)
				r.Get("/size", h.GetSize)
				r.Get("/{index}", h.GetCDR)
				r.Delete("/{index}", h.RemoveCDR)
			})

			// Any retained cycle
			r.Route("/cycles", func(r chi.Router) {
				r.Get("/", h.ListCycles)
				r.Get("/{cycle}/cdrs", h.ListCycleCDRs)
				r.Get("/{cycle}/cdrs/{index}", h.GetCycleCDR)
				r.Delete("/{cycle}/cdrs/{index}", h.RemoveCycleCDR)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/close-cycles", h.CloseCycles)
		})

		r.Route("/clock", func(r chi.Router) {
			r.Get("/", h.GetClock)
			r.Post("/advance", h.AdvanceClock)
		})
	})

	return r
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
