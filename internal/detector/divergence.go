package detector

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/market"
)

const (
	defaultDivergenceMinSamples = 5
	divergenceTopN              = 5
)

var (
	defaultVolumeThresholdPct = decimal.NewFromInt(50)
	defaultPriceThresholdPct  = decimal.NewFromInt(5)
	defaultNoiseBandPct       = decimal.NewFromInt(1)
)

// DivergenceOptions configures volume/price divergence detection.
type DivergenceOptions struct {
	MinSamples         int
	VolumeThresholdPct decimal.Decimal
	PriceThresholdPct  decimal.Decimal
	NoiseBandPct       decimal.Decimal
}

// DivergenceSummary counts divergence events.
type DivergenceSummary struct {
	Total      int              `json:"total"`
	ByPattern  map[string]int   `json:"by_pattern"`
	BySeverity map[Severity]int `json:"by_severity"`
	Top        []Event          `json:"top"`
}

// Divergence flags volume and price moving out of step.
type Divergence struct {
	opts DivergenceOptions
}

var _ Detector = (*Divergence)(nil)

// NewDivergence constructs the divergence detector.
func NewDivergence(opts DivergenceOptions) *Divergence {
	if opts.MinSamples < 2 {
		opts.MinSamples = defaultDivergenceMinSamples
	}
	if !opts.VolumeThresholdPct.IsPositive() {
		opts.VolumeThresholdPct = defaultVolumeThresholdPct
	}
	if !opts.PriceThresholdPct.IsPositive() {
		opts.PriceThresholdPct = defaultPriceThresholdPct
	}
	if opts.NoiseBandPct.IsNegative() || opts.NoiseBandPct.IsZero() {
		opts.NoiseBandPct = defaultNoiseBandPct
	}
	return &Divergence{opts: opts}
}

func (d *Divergence) Name() string { return "divergence" }
func (d *Divergence) Kind() Kind   { return KindDivergence }

type joinedPoint struct {
	at     time.Time
	price  decimal.Decimal
	volume decimal.Decimal
}

// Evaluate joins each asset's price and volume series on timestamp and classifies
// the window.
func (d *Divergence) Evaluate(ctx context.Context, r Reader, _ time.Time) ([]Event, error) {
	var events []Event
	for _, asset := range r.Assets(market.MetricVolume) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		points := join(r, asset)
		if len(points) < d.opts.MinSamples {
			continue
		}
		if ev, ok := d.classify(asset, points); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func join(r Reader, asset string) []joinedPoint {
	prices := make(map[time.Time]decimal.Decimal)
	for at, v := range r.Series(asset, market.MetricPrice).All() {
		prices[at] = v
	}
	var out []joinedPoint
	for at, v := range r.Series(asset, market.MetricVolume).All() {
		if p, ok := prices[at]; ok {
			out = append(out, joinedPoint{at: at, price: p, volume: v})
		}
	}
	return out
}

func (d *Divergence) classify(asset string, points []joinedPoint) (Event, bool) {
	first, last := points[0], points[len(points)-1]
	volChange, okV := PercentChange(first.volume, last.volume)
	priceChange, okP := PercentChange(first.price, last.price)
	if !okV || !okP {
		return Event{}, false
	}

	var pattern string
	var driving, threshold decimal.Decimal
	switch {
	// rising volume with a flat or falling price; a fall is distribution
	case volChange.GreaterThanOrEqual(d.opts.VolumeThresholdPct) && priceChange.LessThanOrEqual(d.opts.NoiseBandPct):
		pattern, driving, threshold = PatternVolumeNoPrice, volChange, d.opts.VolumeThresholdPct
	case priceChange.Abs().GreaterThanOrEqual(d.opts.PriceThresholdPct) && volChange.LessThanOrEqual(d.opts.NoiseBandPct):
		pattern, driving, threshold = PatternUnconfirmedMov, priceChange, d.opts.PriceThresholdPct
	default:
		return Event{}, false
	}

	severity := SeverityWarning
	if driving.Abs().GreaterThan(threshold.Mul(decimal.NewFromInt(2))) {
		severity = SeverityCritical
	}
	payload := map[string]decimal.Decimal{
		PayloadVolumeChange: volChange,
		PayloadPriceChange:  priceChange,
		PayloadChangePct:    driving,
	}
	volumes := lo.Map(points, func(p joinedPoint, _ int) decimal.Decimal { return p.volume })
	prices := lo.Map(points, func(p joinedPoint, _ int) decimal.Decimal { return p.price })
	if corr, ok := Pearson(rateOfChange(volumes), rateOfChange(prices)); ok {
		payload[PayloadCorrelation] = fromFloat(corr)
	}
	labels := map[string]string{LabelPattern: pattern}
	switch {
	case pattern == PatternUnconfirmedMov && priceChange.IsNegative():
		labels[LabelDirection] = DirectionDecrease
	case pattern == PatternUnconfirmedMov:
		labels[LabelDirection] = DirectionIncrease
	case priceChange.LessThan(d.opts.NoiseBandPct.Neg()):
		labels[LabelDirection] = DirectionDecrease
	}

	return Event{
		Kind:       KindDivergence,
		Asset:      asset,
		Severity:   severity,
		Value:      driving,
		Payload:    payload,
		Labels:     labels,
		DetectedAt: last.at,
	}, true
}

// Summarize counts events by pattern and severity and keeps the largest moves.
func Summarize(events []Event) DivergenceSummary {
	summary := DivergenceSummary{
		ByPattern:  make(map[string]int),
		BySeverity: make(map[Severity]int),
	}
	divergences := lo.Filter(events, func(e Event, _ int) bool { return e.Kind == KindDivergence })
	for _, e := range divergences {
		summary.Total++
		summary.ByPattern[e.Labels[LabelPattern]]++
		summary.BySeverity[e.Severity]++
	}
	top := append([]Event(nil), divergences...)
	sort.SliceStable(top, func(i, j int) bool {
		ai, aj := top[i].Value.Abs(), top[j].Value.Abs()
		if !ai.Equal(aj) {
			return ai.GreaterThan(aj)
		}
		return top[i].Asset < top[j].Asset
	})
	if len(top) > divergenceTopN {
		top = top[:divergenceTopN]
	}
	summary.Top = top
	return summary
}
