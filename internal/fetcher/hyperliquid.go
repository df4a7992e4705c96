package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/market"
)

const infoPath = "/info"

// HyperliquidOptions parameterise the REST client.
type HyperliquidOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Hyperliquid reads perpetual contexts and funding history from the public info endpoint.
type Hyperliquid struct {
	opts    HyperliquidOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

var (
	_ Source               = (*Hyperliquid)(nil)
	_ FundingHistorySource = (*Hyperliquid)(nil)
)

// NewHyperliquid constructs the REST client.
func NewHyperliquid(opts HyperliquidOptions, logger zerolog.Logger) *Hyperliquid {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.hyperliquid.xyz"
	}

	return &Hyperliquid{
		opts:    opts,
		logger:  logger.With().Str("component", "hyperliquid_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (h *Hyperliquid) Name() string { return "hyperliquid_rest" }

// Fetch returns funding, open interest (notional), 24h volume and mark price for
// every listed perpetual.
func (h *Hyperliquid) Fetch(ctx context.Context, at time.Time) (Batch, error) {
	var raw []json.RawMessage
	if err := h.postInfo(ctx, map[string]any{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return Batch{}, err
	}
	if len(raw) != 2 {
		return Batch{}, market.Upstreamf(fmt.Errorf("expected 2 elements, got %d", len(raw)), "decode metaAndAssetCtxs")
	}

	var meta metaResponse
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return Batch{}, market.Upstreamf(err, "decode meta")
	}
	var ctxs []assetContext
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return Batch{}, market.Upstreamf(err, "decode asset contexts")
	}
	if len(ctxs) < len(meta.Universe) {
		return Batch{}, market.Upstreamf(fmt.Errorf("%d contexts for %d assets", len(ctxs), len(meta.Universe)), "decode asset contexts")
	}

	at = at.UTC()
	snaps := make([]market.Snapshot, 0, len(meta.Universe)*len(market.Metrics))
	for i, asset := range meta.Universe {
		if asset.IsDelisted {
			continue
		}
		parsed, err := ctxs[i].snapshots(market.NormalizeAsset(asset.Name), at)
		if err != nil {
			h.logger.Warn().Err(err).Str("asset", asset.Name).Msg("skip asset with malformed context")
			continue
		}
		snaps = append(snaps, parsed...)
	}
	return Batch{Snapshots: snaps}, nil
}

// FetchFundingHistory returns hourly funding rates of one asset between start and end.
func (h *Hyperliquid) FetchFundingHistory(ctx context.Context, asset string, start, end time.Time) ([]market.Snapshot, error) {
	coin := market.NormalizeAsset(asset)
	if coin == "" {
		return nil, market.InvalidParameterf("asset symbol is empty")
	}
	req := map[string]any{
		"type":      "fundingHistory",
		"coin":      coin,
		"startTime": start.UnixMilli(),
	}
	if !end.IsZero() {
		req["endTime"] = end.UnixMilli()
	}

	var entries []fundingEntry
	if err := h.postInfo(ctx, req, &entries); err != nil {
		return nil, err
	}

	snaps := make([]market.Snapshot, 0, len(entries))
	for _, e := range entries {
		rate, err := decimal.NewFromString(e.FundingRate)
		if err != nil {
			return nil, market.Upstreamf(err, "parse funding rate for %s", coin)
		}
		snaps = append(snaps, market.Snapshot{
			Asset:     coin,
			Metric:    market.MetricFunding,
			Value:     rate,
			Timestamp: time.UnixMilli(e.Time).UTC(),
		})
	}
	return snaps, nil
}

func (h *Hyperliquid) postInfo(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+infoPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "perpwatcher/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return market.Upstreamf(err, "post info")
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return market.Upstreamf(err, "read info response")
	}

	if resp.StatusCode != http.StatusOK {
		return market.Upstreamf(parseHTTPError(resp.StatusCode, payloadBytes), "post info")
	}

	if err := json.Unmarshal(payloadBytes, out); err != nil {
		return market.Upstreamf(err, "decode info response")
	}
	return nil
}

type metaResponse struct {
	Universe []struct {
		Name       string `json:"name"`
		IsDelisted bool   `json:"isDelisted"`
	} `json:"universe"`
}

type assetContext struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	DayNtlVlm    string `json:"dayNtlVlm"`
	MarkPx       string `json:"markPx"`
}

// snapshots converts a context into one snapshot per metric. Open interest is
// reported in contracts, so it is multiplied by the mark price to get notional.
func (c assetContext) snapshots(asset string, at time.Time) ([]market.Snapshot, error) {
	funding, err := decimal.NewFromString(c.Funding)
	if err != nil {
		return nil, fmt.Errorf("funding: %w", err)
	}
	oi, err := decimal.NewFromString(c.OpenInterest)
	if err != nil {
		return nil, fmt.Errorf("open interest: %w", err)
	}
	volume, err := decimal.NewFromString(c.DayNtlVlm)
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	mark, err := decimal.NewFromString(c.MarkPx)
	if err != nil {
		return nil, fmt.Errorf("mark price: %w", err)
	}
	return []market.Snapshot{
		{Asset: asset, Metric: market.MetricFunding, Value: funding, Timestamp: at},
		{Asset: asset, Metric: market.MetricOpenInterest, Value: oi.Mul(mark), Timestamp: at},
		{Asset: asset, Metric: market.MetricVolume, Value: volume, Timestamp: at},
		{Asset: asset, Metric: market.MetricPrice, Value: mark, Timestamp: at},
	}, nil
}

type fundingEntry struct {
	Coin        string `json:"coin"`
	FundingRate string `json:"fundingRate"`
	Premium     string `json:"premium"`
	Time        int64  `json:"time"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("hyperliquid api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("hyperliquid api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("hyperliquid api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("hyperliquid api error (%d)", status)
}
