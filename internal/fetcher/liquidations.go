package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/market"
	"perp-signal-alerts/internal/metrics"
)

const (
	defaultLiquidationBuffer = 10_000
	defaultReconnectDelay    = 5 * time.Second
	liquidationChannel       = "liquidation"
)

// LiquidationStreamOptions configure the websocket feed.
type LiquidationStreamOptions struct {
	URL            string
	Buffer         int
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// LiquidationStream keeps a websocket subscription open in the background and
// buffers liquidation events until the next tick drains them.
type LiquidationStream struct {
	opts   LiquidationStreamOptions
	logger zerolog.Logger

	mu      sync.Mutex
	pending []market.LiquidationRecord
	dropped int64
	lastErr error
}

var _ Source = (*LiquidationStream)(nil)

// NewLiquidationStream constructs the stream. Call Run to connect.
func NewLiquidationStream(opts LiquidationStreamOptions, logger zerolog.Logger) *LiquidationStream {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultLiquidationBuffer
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &LiquidationStream{
		opts:   opts,
		logger: logger.With().Str("component", "liquidation_stream").Logger(),
	}
}

func (s *LiquidationStream) Name() string { return "hyperliquid_liquidations" }

// Fetch drains buffered records. A stream that is currently disconnected reports
// the last connection error as an upstream failure once its buffer is empty.
func (s *LiquidationStream) Fetch(_ context.Context, _ time.Time) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 && s.lastErr != nil {
		return Batch{}, market.Upstreamf(s.lastErr, "liquidation stream")
	}
	out := s.pending
	s.pending = nil
	return Batch{Liquidations: out}, nil
}

// Dropped reports how many records were discarded because the buffer was full.
func (s *LiquidationStream) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run connects and reads until ctx is cancelled, reconnecting after a fixed delay.
func (s *LiquidationStream) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.setErr(err)
		s.logger.Warn().Err(err).Dur("retry_in", s.opts.ReconnectDelay).Msg("liquidation stream disconnected")

		timer := time.NewTimer(s.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *LiquidationStream) session(ctx context.Context) error {
	conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sub := map[string]any{
		"method":       "subscribe",
		"subscription": map[string]string{"type": liquidationChannel},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.setErr(nil)
	s.logger.Info().Str("url", s.opts.URL).Msg("liquidation stream connected")

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		records, err := decodeLiquidations(payload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skip malformed liquidation message")
			continue
		}
		s.push(records)
	}
}

func (s *LiquidationStream) push(records []market.LiquidationRecord) {
	if len(records) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, records...)
	if over := len(s.pending) - s.opts.Buffer; over > 0 {
		s.pending = append([]market.LiquidationRecord(nil), s.pending[over:]...)
		s.dropped += int64(over)
		metrics.StreamDroppedTotal.Add(float64(over))
	}
}

func (s *LiquidationStream) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsLiquidation struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Sz   string `json:"sz"`
	Px   string `json:"px"`
	Time int64  `json:"time"`
}

// decodeLiquidations parses one websocket frame. Frames on other channels yield
// nothing; data may be a single liquidation or an array of them.
func decodeLiquidations(payload []byte) ([]market.LiquidationRecord, error) {
	var env wsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Channel != liquidationChannel || len(env.Data) == 0 {
		return nil, nil
	}

	var items []wsLiquidation
	if strings.HasPrefix(strings.TrimSpace(string(env.Data)), "[") {
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return nil, fmt.Errorf("decode liquidations: %w", err)
		}
	} else {
		var one wsLiquidation
		if err := json.Unmarshal(env.Data, &one); err != nil {
			return nil, fmt.Errorf("decode liquidation: %w", err)
		}
		items = []wsLiquidation{one}
	}

	out := make([]market.LiquidationRecord, 0, len(items))
	for _, item := range items {
		size, err := decimal.NewFromString(item.Sz)
		if err != nil {
			return nil, fmt.Errorf("size: %w", err)
		}
		price, err := decimal.NewFromString(item.Px)
		if err != nil {
			return nil, fmt.Errorf("price: %w", err)
		}
		side, err := parseSide(item.Side)
		if err != nil {
			return nil, err
		}
		out = append(out, market.LiquidationRecord{
			Asset:     market.NormalizeAsset(item.Coin),
			Side:      side,
			Notional:  size.Abs().Mul(price),
			Timestamp: time.UnixMilli(item.Time).UTC(),
		})
	}
	return out, nil
}

// parseSide maps the venue's order side to the liquidated position side: a forced
// sell ("A") closes a long, a forced buy ("B") closes a short.
func parseSide(raw string) (market.Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "a", "sell", "long":
		return market.SideLong, nil
	case "b", "buy", "short":
		return market.SideShort, nil
	}
	return "", fmt.Errorf("unknown liquidation side %q", raw)
}
