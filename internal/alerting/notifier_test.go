package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/detector"
)

func sampleDelivery() Delivery {
	return Delivery{
		UserID: 42,
		RuleID: "rule-1",
		Event: detector.Event{
			Kind:       detector.KindVolumeSpike,
			Asset:      "BTC",
			Severity:   detector.SeverityCritical,
			Value:      decimal.NewFromInt(4),
			Payload:    map[string]decimal.Decimal{detector.PayloadZScore: decimal.NewFromFloat(37.9)},
			DetectedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	var chatID, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Errorf("path should end with sendMessage, got %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		chatID = r.FormValue("chat_id")
		text = r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"message_id": 1,
				"date":       0,
				"chat":       map[string]any{"id": 42, "type": "private"},
			},
		})
	}))
	defer srv.Close()

	notifier, err := NewTelegramNotifier(TelegramOptions{BotToken: "123:token", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	if err != nil {
		t.Fatalf("construct notifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), sampleDelivery()); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}
	if chatID != "42" {
		t.Fatalf("chat_id should be the user id, got %q", chatID)
	}
	if !strings.Contains(text, "Volume spike BTC") {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"})
	}))
	defer srv.Close()

	notifier, err := NewTelegramNotifier(TelegramOptions{BotToken: "123:token", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	if err != nil {
		t.Fatalf("construct notifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), sampleDelivery()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

func TestTelegramNotifierRequiresToken(t *testing.T) {
	if _, err := NewTelegramNotifier(TelegramOptions{}, testLogger()); err == nil {
		t.Fatal("empty token should fail")
	}
}

func TestRenderMessage(t *testing.T) {
	msg := RenderMessage(sampleDelivery())
	for _, want := range []string{"[CRITICAL] Volume spike BTC", "Value: 4.0000", "z_score: 37.9000", "Detected: 2024-05-01T12:00:00Z UTC", "Rule: rule-1"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestLogNotifier(t *testing.T) {
	if err := NewLogNotifier(testLogger()).Notify(context.Background(), sampleDelivery()); err != nil {
		t.Fatalf("log notifier should not fail: %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
