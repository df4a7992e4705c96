package detector

import (
	"context"
	"iter"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/market"
)

var defaultOIThreshold = decimal.NewFromInt(10)

// OpenInterestOptions configures the open-interest detector.
type OpenInterestOptions struct {
	// ThresholdPct is the absolute percent change that Evaluate reports.
	ThresholdPct decimal.Decimal
}

// OIChange is the change of one asset's open interest over the retained window.
type OIChange struct {
	Asset     string          `json:"asset"`
	Previous  decimal.Decimal `json:"previous"`
	Current   decimal.Decimal `json:"current"`
	ChangePct decimal.Decimal `json:"change_pct"`
	Timestamp time.Time       `json:"timestamp"`
}

// OpenInterest reports open-interest moves.
type OpenInterest struct {
	opts OpenInterestOptions
}

var _ Detector = (*OpenInterest)(nil)

// NewOpenInterest constructs the open-interest detector.
func NewOpenInterest(opts OpenInterestOptions) *OpenInterest {
	if opts.ThresholdPct.IsZero() || opts.ThresholdPct.IsNegative() {
		opts.ThresholdPct = defaultOIThreshold
	}
	return &OpenInterest{opts: opts}
}

func (d *OpenInterest) Name() string { return "open_interest" }
func (d *OpenInterest) Kind() Kind   { return KindOISpike }

// Threshold returns the configured spike threshold.
func (d *OpenInterest) Threshold() decimal.Decimal { return d.opts.ThresholdPct }

// Changes returns the oldest-to-newest change per asset, largest open interest first.
// Assets with a single point or a zero starting value are skipped.
func (d *OpenInterest) Changes(r Reader) []OIChange {
	var out []OIChange
	for _, asset := range r.Assets(market.MetricOpenInterest) {
		series := r.Series(asset, market.MetricOpenInterest)
		if series.Len() < 2 {
			continue
		}
		first, _ := series.First()
		last, _ := series.Last()
		change, ok := PercentChange(first.Value, last.Value)
		if !ok {
			continue
		}
		out = append(out, OIChange{
			Asset:     asset,
			Previous:  first.Value,
			Current:   last.Value,
			ChangePct: change,
			Timestamp: last.Timestamp,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Current.Equal(out[j].Current) {
			return out[i].Current.GreaterThan(out[j].Current)
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// DetectSpikes reports assets whose absolute change reached thresholdPct.
func (d *OpenInterest) DetectSpikes(r Reader, thresholdPct decimal.Decimal) ([]Event, error) {
	if thresholdPct.IsNegative() {
		return nil, market.InvalidParameterf("open interest threshold must not be negative, got %s", thresholdPct)
	}
	var events []Event
	for _, c := range d.Changes(r) {
		magnitude := c.ChangePct.Abs()
		if magnitude.LessThan(thresholdPct) {
			continue
		}
		direction := DirectionIncrease
		if c.ChangePct.IsNegative() {
			direction = DirectionDecrease
		}
		severity := SeverityWarning
		if thresholdPct.IsPositive() && magnitude.GreaterThanOrEqual(thresholdPct.Mul(decimal.NewFromInt(2))) {
			severity = SeverityCritical
		}
		events = append(events, Event{
			Kind:     KindOISpike,
			Asset:    c.Asset,
			Severity: severity,
			Value:    c.ChangePct,
			Payload: map[string]decimal.Decimal{
				PayloadChangePct: c.ChangePct,
				PayloadPrevious:  c.Previous,
				PayloadCurrent:   c.Current,
			},
			Labels:     map[string]string{LabelDirection: direction},
			DetectedAt: c.Timestamp,
		})
	}
	return events, nil
}

// Trends yields the open-interest history of one asset. The sequence iterates a
// private copy, so it can be replayed and is unaffected by later writes.
func (d *OpenInterest) Trends(r Reader, symbol string) (iter.Seq2[time.Time, decimal.Decimal], error) {
	series, err := assetSeries(r, symbol, market.MetricOpenInterest)
	if err != nil {
		return nil, err
	}
	return series.All(), nil
}

// Evaluate reports spikes at the configured threshold.
func (d *OpenInterest) Evaluate(ctx context.Context, r Reader, _ time.Time) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.DetectSpikes(r, d.opts.ThresholdPct)
}
