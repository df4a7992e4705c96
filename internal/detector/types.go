package detector

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/market"
	"perp-signal-alerts/internal/snapshot"
)

// Kind identifies the detector family an event came from.
type Kind string

const (
	KindFunding     Kind = "funding_alert"
	KindLiquidation Kind = "liquidation_cascade"
	KindOISpike     Kind = "oi_spike"
	KindVolumeSpike Kind = "volume_spike"
	KindDivergence  Kind = "volume_divergence"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{KindFunding, KindLiquidation, KindOISpike, KindVolumeSpike, KindDivergence}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind converts user input into a Kind. Short aliases such as "funding" are accepted.
func ParseKind(s string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "funding":
		return KindFunding, nil
	case "liquidation", "liquidations", "cascade":
		return KindLiquidation, nil
	case "oi", "open_interest":
		return KindOISpike, nil
	case "volume":
		return KindVolumeSpike, nil
	case "divergence":
		return KindDivergence, nil
	}
	k := Kind(normalized)
	if !k.Valid() {
		return "", market.InvalidParameterf("unknown event kind %q", s)
	}
	return k, nil
}

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from least to most urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	}
	return 0
}

// Payload and label keys shared by detectors and renderers.
const (
	PayloadChangePct      = "change_pct"
	PayloadRate           = "rate"
	PayloadPreviousRate   = "previous_rate"
	PayloadAnnualizedPct  = "annualized_pct"
	PayloadCount          = "count"
	PayloadNotional       = "notional"
	PayloadBucketCount    = "bucket_count"
	PayloadConsecutive    = "consecutive_buckets"
	PayloadTotalNotional  = "total_notional"
	PayloadPrevious       = "previous"
	PayloadCurrent        = "current"
	PayloadVolume         = "volume"
	PayloadMean           = "mean"
	PayloadStdDev         = "stddev"
	PayloadZScore         = "z_score"
	PayloadRatio          = "ratio"
	PayloadVolumeChange   = "volume_change_pct"
	PayloadPriceChange    = "price_change_pct"
	PayloadCorrelation    = "correlation"
	LabelSignal           = "signal"
	LabelDirection        = "direction"
	LabelPattern          = "pattern"
	LabelDominantSide     = "dominant_side"
	SignalLevel           = "level"
	SignalSignFlip        = "sign_flip"
	DirectionIncrease     = "increase"
	DirectionDecrease     = "decrease"
	DirectionPosToNeg     = "positive_to_negative"
	DirectionNegToPos     = "negative_to_positive"
	PatternVolumeNoPrice  = "volume_without_price"
	PatternUnconfirmedMov = "unconfirmed_price_move"
)

// Event is a candidate alert produced by a detector. DetectedAt is the data time of
// the observation that triggered it, so evaluating an unchanged store twice yields
// identical events.
type Event struct {
	Kind       Kind                       `json:"kind"`
	Asset      string                     `json:"asset"`
	Severity   Severity                   `json:"severity"`
	Value      decimal.Decimal            `json:"value"`
	Payload    map[string]decimal.Decimal `json:"payload"`
	Labels     map[string]string          `json:"labels"`
	DetectedAt time.Time                  `json:"detected_at"`
}

// ChangePct returns the change_pct payload entry, falling back to Value.
func (e Event) ChangePct() decimal.Decimal {
	if v, ok := e.Payload[PayloadChangePct]; ok {
		return v
	}
	return e.Value
}

// Reader is the read-only view of the snapshot store that detectors consume.
type Reader interface {
	Series(asset string, metric market.Metric) snapshot.Series
	Latest(asset string, metric market.Metric) (market.Snapshot, bool)
	Assets(metric market.Metric) []string
	LatestAll(metric market.Metric) []market.Snapshot
	Liquidations(since time.Time) []market.LiquidationRecord
}

var _ Reader = (*snapshot.Store)(nil)

// Detector inspects the store and reports candidate events. Implementations must not
// mutate the reader.
type Detector interface {
	Name() string
	Kind() Kind
	Evaluate(ctx context.Context, r Reader, now time.Time) ([]Event, error)
}

// SortEvents orders events by kind, asset, data time and signal so that result sets
// are comparable across evaluations.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		if !a.DetectedAt.Equal(b.DetectedAt) {
			return a.DetectedAt.Before(b.DetectedAt)
		}
		return eventSignal(a) < eventSignal(b)
	})
}

func eventSignal(e Event) string {
	if s, ok := e.Labels[LabelSignal]; ok {
		return s
	}
	return e.Labels[LabelPattern]
}

// assetSeries resolves the series for a user-supplied symbol. An empty symbol is
// invalid; a symbol without data is not found when the metric has any data at all.
func assetSeries(r Reader, symbol string, metric market.Metric) (snapshot.Series, error) {
	asset := market.NormalizeAsset(symbol)
	if asset == "" {
		return nil, market.InvalidParameterf("asset symbol is empty")
	}
	series := r.Series(asset, metric)
	if series.Len() == 0 && len(r.Assets(metric)) > 0 {
		return nil, market.NotFoundf("asset %s has no %s data", asset, metric)
	}
	return series, nil
}
