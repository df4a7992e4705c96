package detector

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/market"
	"perp-signal-alerts/internal/snapshot"
)

const (
	defaultVolumeMinSamples = 5
	defaultVolumeK          = 2.0
	volumeTopN              = 5
)

// VolumeOptions configures volume spike detection.
type VolumeOptions struct {
	// MinSamples is the smallest baseline, excluding the newest point, that is judged.
	MinSamples int
	// K is the number of standard deviations above the mean that counts as a spike.
	K float64
	// Window limits the baseline to points newer than newest-Window; zero uses the
	// whole retained series.
	Window time.Duration
}

// AssetVolume is a single asset's latest volume.
type AssetVolume struct {
	Asset  string          `json:"asset"`
	Volume decimal.Decimal `json:"volume"`
}

// VolumeStats summarises the latest volume across assets.
type VolumeStats struct {
	Assets int             `json:"assets"`
	Total  decimal.Decimal `json:"total"`
	Mean   decimal.Decimal `json:"mean"`
	Max    decimal.Decimal `json:"max"`
	Min    decimal.Decimal `json:"min"`
	StdDev decimal.Decimal `json:"stddev"`
	Top    []AssetVolume   `json:"top"`
}

// Volume flags volume readings far above their recent baseline.
type Volume struct {
	opts VolumeOptions
}

var _ Detector = (*Volume)(nil)

// NewVolume constructs the volume spike detector.
func NewVolume(opts VolumeOptions) *Volume {
	if opts.MinSamples <= 0 {
		opts.MinSamples = defaultVolumeMinSamples
	}
	if opts.K <= 0 {
		opts.K = defaultVolumeK
	}
	return &Volume{opts: opts}
}

func (d *Volume) Name() string { return "volume" }
func (d *Volume) Kind() Kind   { return KindVolumeSpike }

// History returns the retained volume series of one asset.
func (d *Volume) History(r Reader, symbol string) (snapshot.Series, error) {
	return assetSeries(r, symbol, market.MetricVolume)
}

// Evaluate compares each asset's newest volume with the baseline formed by the rest
// of its window.
func (d *Volume) Evaluate(ctx context.Context, r Reader, _ time.Time) ([]Event, error) {
	var events []Event
	for _, asset := range r.Assets(market.MetricVolume) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ev, ok := d.evaluateSeries(asset, r.Series(asset, market.MetricVolume)); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (d *Volume) evaluateSeries(asset string, series snapshot.Series) (Event, bool) {
	newest, ok := series.Last()
	if !ok {
		return Event{}, false
	}
	baseline := series[:series.Len()-1]
	if d.opts.Window > 0 {
		cutoff := newest.Timestamp.Add(-d.opts.Window)
		start := sort.Search(len(baseline), func(i int) bool {
			return !baseline[i].Timestamp.Before(cutoff)
		})
		baseline = baseline[start:]
	}
	if len(baseline) < d.opts.MinSamples {
		return Event{}, false
	}

	var w Welford
	for _, point := range baseline {
		w.Add(point.Value.InexactFloat64())
	}
	current := newest.Value.InexactFloat64()
	mean, std := w.Mean(), w.StdDev()
	if current <= mean+d.opts.K*std {
		return Event{}, false
	}

	payload := map[string]decimal.Decimal{
		PayloadVolume: newest.Value,
		PayloadMean:   fromFloat(mean),
		PayloadStdDev: fromFloat(std),
	}
	severity := SeverityWarning
	if std > 0 {
		z := (current - mean) / std
		payload[PayloadZScore] = fromFloat(z)
		if z >= 2*d.opts.K {
			severity = SeverityCritical
		}
	}
	ratio := decimal.Zero
	if mean != 0 {
		ratio = fromFloat(current / mean)
		payload[PayloadChangePct] = fromFloat((current - mean) / mean * 100)
	}
	payload[PayloadRatio] = ratio

	return Event{
		Kind:       KindVolumeSpike,
		Asset:      asset,
		Severity:   severity,
		Value:      ratio,
		Payload:    payload,
		DetectedAt: newest.Timestamp,
	}, true
}

// Stats aggregates the latest volume of every asset.
func (d *Volume) Stats(r Reader) VolumeStats {
	latest := r.LatestAll(market.MetricVolume)
	stats := VolumeStats{Assets: len(latest), Total: decimal.Zero, Mean: decimal.Zero,
		Max: decimal.Zero, Min: decimal.Zero, StdDev: decimal.Zero}
	if len(latest) == 0 {
		return stats
	}

	var w Welford
	top := make([]AssetVolume, 0, len(latest))
	stats.Max, stats.Min = latest[0].Value, latest[0].Value
	for _, snap := range latest {
		stats.Total = stats.Total.Add(snap.Value)
		stats.Max = decimal.Max(stats.Max, snap.Value)
		stats.Min = decimal.Min(stats.Min, snap.Value)
		w.Add(snap.Value.InexactFloat64())
		top = append(top, AssetVolume{Asset: snap.Asset, Volume: snap.Value})
	}
	stats.Mean = stats.Total.Div(decimal.NewFromInt(int64(len(latest))))
	stats.StdDev = fromFloat(w.StdDev())

	sort.SliceStable(top, func(i, j int) bool {
		if !top[i].Volume.Equal(top[j].Volume) {
			return top[i].Volume.GreaterThan(top[j].Volume)
		}
		return top[i].Asset < top[j].Asset
	})
	if len(top) > volumeTopN {
		top = top[:volumeTopN]
	}
	stats.Top = top
	return stats
}
