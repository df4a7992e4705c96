package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/market"
	"perp-signal-alerts/internal/service"
)

// TopFunding ranks funding rates by magnitude; ?n overrides the configured size.
func TopFunding(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := 0
		if raw := r.URL.Query().Get("n"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid n")
				return
			}
			n = parsed
		}
		rates, err := svc.GetTopFundingRates(n)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if rates == nil {
			rates = []detector.FundingInfo{}
		}
		writeJSON(w, http.StatusOK, rates)
	}
}

// FundingAsset returns the funding state of {asset}.
func FundingAsset(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := svc.FindAsset(chi.URLParam(r, "asset"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// RecentLiquidations lists liquidations inside ?window, optionally filtered by ?min_notional.
func RecentLiquidations(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var window time.Duration
		if raw := r.URL.Query().Get("window"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid window")
				return
			}
			window = parsed
		}
		records, err := svc.GetRecentLiquidations(window)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if raw := r.URL.Query().Get("min_notional"); raw != "" {
			threshold, err := decimal.NewFromString(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid min_notional")
				return
			}
			records = detector.FilterBySize(records, threshold)
		}
		if records == nil {
			records = []market.LiquidationRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

// LiquidationCascade returns the cascade report.
func LiquidationCascade(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := svc.AnalyzeLiquidationCascade(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// OIRanking lists open-interest changes ranked by current open interest.
func OIRanking(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		changes, err := svc.GetOIRanking()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if changes == nil {
			changes = []detector.OIChange{}
		}
		writeJSON(w, http.StatusOK, changes)
	}
}

// OITrends returns the open-interest series of {asset}.
func OITrends(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		points, err := svc.GetOITrends(chi.URLParam(r, "asset"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if points == nil {
			points = []service.Point{}
		}
		writeJSON(w, http.StatusOK, points)
	}
}

// OISpikes lists open-interest spikes at ?threshold percent.
func OISpikes(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threshold := decimal.Zero
		if raw := r.URL.Query().Get("threshold"); raw != "" {
			parsed, err := decimal.NewFromString(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid threshold")
				return
			}
			threshold = parsed
		}
		events, err := svc.DetectOISpikes(threshold)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeEvents(w, events)
	}
}

// VolumeHistory returns the volume series of {asset}.
func VolumeHistory(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		points, err := svc.GetAssetVolumeHistory(chi.URLParam(r, "asset"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, points)
	}
}

// VolumeStats returns cross-asset volume statistics.
func VolumeStats(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats, err := svc.GetVolumeStats()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// Divergence returns volume/price divergences with their summary.
func Divergence(svc *service.Service) http.HandlerFunc {
	type response struct {
		Events  []detector.Event           `json:"events"`
		Summary detector.DivergenceSummary `json:"summary"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		events, summary, err := svc.DetectVolumePriceDivergence(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if events == nil {
			events = []detector.Event{}
		}
		writeJSON(w, http.StatusOK, response{Events: events, Summary: summary})
	}
}

// Events runs the detector for the {kind} path parameter, optionally filtered by ?asset=.
func Events(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := svc.Query(r.Context(), chi.URLParam(r, "kind"), r.URL.Query().Get("asset"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeEvents(w, events)
	}
}

func writeEvents(w http.ResponseWriter, events []detector.Event) {
	if events == nil {
		events = []detector.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
