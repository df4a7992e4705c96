package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/alerting"
	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/service"
)

type ruleResponse struct {
	ID          string          `json:"id"`
	UserID      int64           `json:"user_id"`
	Kind        detector.Kind   `json:"kind"`
	Asset       string          `json:"asset,omitempty"`
	Threshold   decimal.Decimal `json:"threshold"`
	Direction   string          `json:"direction"`
	LastFiredAt *time.Time      `json:"last_fired_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func newRuleResponse(rule alerting.Rule) ruleResponse {
	return ruleResponse{
		ID:          rule.ID,
		UserID:      rule.UserID,
		Kind:        rule.Kind,
		Asset:       rule.Asset,
		Threshold:   rule.Threshold,
		Direction:   string(rule.Direction),
		LastFiredAt: rule.LastFiredAt,
		CreatedAt:   rule.CreatedAt,
	}
}

type deliveryResponse struct {
	UserID int64          `json:"user_id"`
	RuleID string         `json:"rule_id"`
	Event  detector.Event `json:"event"`
}

// ListAlerts returns the rules of the user named by ?user_id, or every rule.
func ListAlerts(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var userID int64
		if raw := r.URL.Query().Get("user_id"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid user_id")
				return
			}
			userID = parsed
		}

		rules := svc.Alerts(userID)
		out := make([]ruleResponse, 0, len(rules))
		for _, rule := range rules {
			out = append(out, newRuleResponse(rule))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// CreateAlert registers a rule from the JSON body and returns it with 201.
func CreateAlert(svc *service.Service) http.HandlerFunc {
	type request struct {
		UserID    int64           `json:"user_id"`
		Kind      string          `json:"kind"`
		Asset     string          `json:"asset"`
		Threshold decimal.Decimal `json:"threshold"`
		Direction string          `json:"direction"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		kind, err := detector.ParseKind(req.Kind)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		direction, err := alerting.ParseDirection(req.Direction)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		id, err := svc.SetAlert(r.Context(), alerting.Rule{
			UserID:    req.UserID,
			Kind:      kind,
			Asset:     req.Asset,
			Threshold: req.Threshold,
			Direction: direction,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		for _, rule := range svc.Alerts(req.UserID) {
			if rule.ID == id {
				writeJSON(w, http.StatusCreated, newRuleResponse(rule))
				return
			}
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// DeleteAlert removes the rule named by {id}.
func DeleteAlert(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.RemoveAlert(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// CheckAlerts evaluates every detector now and delivers the rules that fire.
func CheckAlerts(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deliveries, err := svc.CheckAlerts(r.Context())
		out := make([]deliveryResponse, 0, len(deliveries))
		for _, d := range deliveries {
			out = append(out, deliveryResponse{UserID: d.UserID, RuleID: d.RuleID, Event: d.Event})
		}
		resp := map[string]any{"deliveries": out}
		if err != nil {
			resp["detector_errors"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
