package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/mailpipe/internal/api/handler"
	apimw "github.com/notifyhub/mailpipe/internal/api/middleware"
	"github.com/notifyhub/mailpipe/internal/service"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	deadLetters *service.DeadLetterService,
	consumer handler.ConsumerStatus,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestSize(1 << 20))
	r.Use(apimw.RequestID)
	r.Use(apimw.RequestLogger(logger))

	dh := handler.NewDeadLetterHandler(deadLetters, logger)
	hh := handler.NewHealthHandler(consumer)

	r.Get("/health", hh.Health)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/consumer", hh.Consumer)

		r.Get("/dead-letters", dh.List)
		r.Get("/dead-letters/{correlation_id}", dh.Get)
		r.Post("/dead-letters/{correlation_id}/replay", dh.Replay)
	})

	return r
}
