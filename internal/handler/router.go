package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"perp-signal-alerts/internal/middleware"
	"perp-signal-alerts/internal/service"
)

// NewRouter mounts the query facade under /api next to /healthz and /metrics.
func NewRouter(svc *service.Service, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", Health())

	r.Route("/api", func(r chi.Router) {
		r.Get("/funding/top", TopFunding(svc))
		r.Get("/funding/{asset}", FundingAsset(svc))

		r.Get("/liquidations", RecentLiquidations(svc))
		r.Get("/liquidations/cascade", LiquidationCascade(svc))

		r.Get("/oi", OIRanking(svc))
		r.Get("/oi/spikes", OISpikes(svc))
		r.Get("/oi/{asset}", OITrends(svc))

		r.Get("/volume/stats", VolumeStats(svc))
		r.Get("/volume/{asset}", VolumeHistory(svc))

		r.Get("/divergence", Divergence(svc))
		r.Get("/events/{kind}", Events(svc))

		r.Get("/alerts", ListAlerts(svc))
		r.Post("/alerts", CreateAlert(svc))
		r.Post("/alerts/check", CheckAlerts(svc))
		r.Delete("/alerts/{id}", DeleteAlert(svc))
	})

	return r
}
