package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/market"
)

const metaAndCtxsFixture = `[
  {"universe":[{"name":"BTC"},{"name":"ETH"},{"name":"OLD","isDelisted":true},{"name":"BAD"}]},
  [
    {"funding":"0.0000125","openInterest":"100","dayNtlVlm":"5000000","markPx":"60000"},
    {"funding":"-0.00002","openInterest":"2000","dayNtlVlm":"1200000","markPx":"3000.5"},
    {"funding":"0.0001","openInterest":"1","dayNtlVlm":"1","markPx":"1"},
    {"funding":"oops","openInterest":"1","dayNtlVlm":"1","markPx":"1"}
  ]
]`

func newInfoServer(t *testing.T, handle func(req map[string]any) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != infoPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		status, body := handle(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHyperliquidFetchSnapshots(t *testing.T) {
	srv := newInfoServer(t, func(req map[string]any) (int, string) {
		if req["type"] != "metaAndAssetCtxs" {
			t.Errorf("unexpected request type %v", req["type"])
		}
		return http.StatusOK, metaAndCtxsFixture
	})

	h := NewHyperliquid(HyperliquidOptions{BaseURL: srv.URL + "/"}, zerolog.Nop())
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	batch, err := h.Fetch(context.Background(), at)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(batch.Liquidations) != 0 {
		t.Fatalf("expected no liquidations, got %d", len(batch.Liquidations))
	}
	if got, want := len(batch.Snapshots), 8; got != want {
		t.Fatalf("expected %d snapshots, got %d", want, got)
	}

	values := map[string]decimal.Decimal{}
	for _, s := range batch.Snapshots {
		if !s.Timestamp.Equal(at) {
			t.Fatalf("snapshot %s/%s stamped %s", s.Asset, s.Metric, s.Timestamp)
		}
		values[s.Asset+"/"+string(s.Metric)] = s.Value
	}

	checks := map[string]string{
		"BTC/funding":       "0.0000125",
		"BTC/open_interest": "6000000",
		"BTC/volume":        "5000000",
		"BTC/price":         "60000",
		"ETH/funding":       "-0.00002",
		"ETH/open_interest": "6001000",
	}
	for key, want := range checks {
		got, ok := values[key]
		if !ok {
			t.Fatalf("missing %s", key)
		}
		if !got.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("%s: expected %s, got %s", key, want, got)
		}
	}
	if _, ok := values["OLD/funding"]; ok {
		t.Fatalf("delisted asset should be skipped")
	}
	if _, ok := values["BAD/funding"]; ok {
		t.Fatalf("malformed asset should be skipped")
	}
}

func TestHyperliquidFetchFundingHistory(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	srv := newInfoServer(t, func(req map[string]any) (int, string) {
		if req["type"] != "fundingHistory" || req["coin"] != "ETH" {
			t.Errorf("unexpected request %v", req)
		}
		if req["startTime"] != float64(start.UnixMilli()) || req["endTime"] != float64(end.UnixMilli()) {
			t.Errorf("unexpected window %v - %v", req["startTime"], req["endTime"])
		}
		return http.StatusOK, `[
		  {"coin":"ETH","fundingRate":"0.00001","premium":"0.0002","time":1714521600000},
		  {"coin":"ETH","fundingRate":"-0.00003","premium":"-0.0001","time":1714525200000}
		]`
	})

	h := NewHyperliquid(HyperliquidOptions{BaseURL: srv.URL}, zerolog.Nop())
	snaps, err := h.FetchFundingHistory(context.Background(), " eth ", start, end)
	if err != nil {
		t.Fatalf("FetchFundingHistory: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Asset != "ETH" || snaps[0].Metric != market.MetricFunding {
		t.Fatalf("unexpected snapshot %+v", snaps[0])
	}
	if !snaps[0].Timestamp.Equal(start) || !snaps[1].Timestamp.Equal(start.Add(time.Hour)) {
		t.Fatalf("unexpected timestamps %s, %s", snaps[0].Timestamp, snaps[1].Timestamp)
	}
	if !snaps[1].Value.Equal(decimal.RequireFromString("-0.00003")) {
		t.Fatalf("unexpected rate %s", snaps[1].Value)
	}
}

func TestHyperliquidFundingHistoryRequiresAsset(t *testing.T) {
	h := NewHyperliquid(HyperliquidOptions{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())
	_, err := h.FetchFundingHistory(context.Background(), "  ", time.Now(), time.Time{})
	if !errors.Is(err, market.ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
}

func TestHyperliquidHTTPErrorIsUpstream(t *testing.T) {
	srv := newInfoServer(t, func(map[string]any) (int, string) {
		return http.StatusTooManyRequests, `{"error":"rate limited"}`
	})

	h := NewHyperliquid(HyperliquidOptions{BaseURL: srv.URL}, zerolog.Nop())
	_, err := h.Fetch(context.Background(), time.Now())
	if !errors.Is(err, market.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if err == nil || !containsAll(err.Error(), "429", "rate limited") {
		t.Fatalf("error should carry status and message: %v", err)
	}
}

func TestHyperliquidMalformedResponse(t *testing.T) {
	srv := newInfoServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `[{"universe":[]}]`
	})

	h := NewHyperliquid(HyperliquidOptions{BaseURL: srv.URL}, zerolog.Nop())
	_, err := h.Fetch(context.Background(), time.Now())
	if !errors.Is(err, market.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestParseHTTPError(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{`{"error":"bad coin"}`, "hyperliquid api error (400): bad coin"},
		{`{"message":"slow down"}`, "hyperliquid api error (400): slow down"},
		{"plain text\n", "hyperliquid api error (400): plain text"},
		{"", "hyperliquid api error (400)"},
	}
	for _, tc := range cases {
		if got := parseHTTPError(http.StatusBadRequest, []byte(tc.payload)).Error(); got != tc.want {
			t.Fatalf("payload %q: expected %q, got %q", tc.payload, tc.want, got)
		}
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
