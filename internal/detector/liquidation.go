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
	defaultRecentWindow  = 24 * time.Hour
	defaultCascadeWindow = 5 * time.Minute
	defaultCascadeBucket = time.Minute
	defaultMinCount      = 3
	defaultCriticalRun   = 3
)

var defaultMinNotional = decimal.NewFromInt(100_000)

// LiquidationOptions configures cascade detection.
type LiquidationOptions struct {
	// RecentWindow is used by Recent when the caller passes a zero window.
	RecentWindow time.Duration
	// Window is the trailing span inspected for cascades.
	Window time.Duration
	// Bucket is the width of a burst: records are counted over the trailing Bucket
	// ending at each record, so a burst no wider than Bucket is never split.
	Bucket      time.Duration
	MinCount    int
	MinNotional decimal.Decimal
	CriticalRun int
}

// CascadePeriod is one interval whose record count reached the cascade threshold.
type CascadePeriod struct {
	Start    time.Time       `json:"start"`
	Count    int             `json:"count"`
	Notional decimal.Decimal `json:"notional"`
}

// CascadeReport summarises recent liquidation activity.
type CascadeReport struct {
	TotalLiquidations int             `json:"total_liquidations"`
	TotalNotional     decimal.Decimal `json:"total_notional"`
	Periods           []CascadePeriod `json:"periods"`
	LargestCascade    int             `json:"largest_cascade"`
	Events            []Event         `json:"events"`
}

// Liquidation detects bursts of forced closures.
type Liquidation struct {
	opts LiquidationOptions
}

var _ Detector = (*Liquidation)(nil)

// NewLiquidation constructs the liquidation detector.
func NewLiquidation(opts LiquidationOptions) *Liquidation {
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = defaultRecentWindow
	}
	if opts.Window <= 0 {
		opts.Window = defaultCascadeWindow
	}
	if opts.Bucket <= 0 || opts.Bucket > opts.Window {
		opts.Bucket = min(defaultCascadeBucket, opts.Window)
	}
	if opts.MinCount <= 0 {
		opts.MinCount = defaultMinCount
	}
	if opts.MinNotional.IsNegative() || opts.MinNotional.IsZero() {
		opts.MinNotional = defaultMinNotional
	}
	if opts.CriticalRun <= 0 {
		opts.CriticalRun = defaultCriticalRun
	}
	return &Liquidation{opts: opts}
}

func (d *Liquidation) Name() string { return "liquidation" }
func (d *Liquidation) Kind() Kind   { return KindLiquidation }

// Window returns the cascade window.
func (d *Liquidation) Window() time.Duration { return d.opts.Window }

// Recent returns records inside the window ending at now, newest first. Records
// sharing a timestamp keep their insertion order.
func (d *Liquidation) Recent(r Reader, window time.Duration, now time.Time) ([]market.LiquidationRecord, error) {
	if window < 0 {
		return nil, market.InvalidParameterf("liquidation window must not be negative, got %s", window)
	}
	if window == 0 {
		window = d.opts.RecentWindow
	}
	records := lo.Filter(r.Liquidations(now.Add(-window)), func(rec market.LiquidationRecord, _ int) bool {
		return !rec.Timestamp.After(now)
	})
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// FilterBySize keeps records whose notional is at least minNotional.
func FilterBySize(records []market.LiquidationRecord, minNotional decimal.Decimal) []market.LiquidationRecord {
	return lo.Filter(records, func(rec market.LiquidationRecord, _ int) bool {
		return rec.Notional.GreaterThanOrEqual(minNotional)
	})
}

type burst struct {
	count    int
	notional decimal.Decimal
	last     time.Time
}

// cascade is the outcome of scanning one asset's records.
type cascade struct {
	peak       burst
	found      bool
	qualifying int
	longest    int
}

// Evaluate reports at most one cascade per asset over the trailing window.
func (d *Liquidation) Evaluate(ctx context.Context, r Reader, now time.Time) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := now.Add(-d.opts.Window)
	records := lo.Filter(r.Liquidations(start), func(rec market.LiquidationRecord, _ int) bool {
		return !rec.Timestamp.After(now)
	})
	if len(records) == 0 {
		return nil, nil
	}

	byAsset := lo.GroupBy(records, func(rec market.LiquidationRecord) string { return rec.Asset })
	assets := lo.Keys(byAsset)
	sort.Strings(assets)

	var events []Event
	for _, asset := range assets {
		recs := byAsset[asset]
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
		c := d.scan(recs)
		if !c.found {
			continue
		}

		total := decimal.Zero
		longs, shorts := decimal.Zero, decimal.Zero
		for _, rec := range recs {
			total = total.Add(rec.Notional)
			if rec.Side == market.SideShort {
				shorts = shorts.Add(rec.Notional)
			} else {
				longs = longs.Add(rec.Notional)
			}
		}

		severity := SeverityWarning
		if c.longest >= d.opts.CriticalRun {
			severity = SeverityCritical
		}
		side := string(market.SideLong)
		if shorts.GreaterThan(longs) {
			side = string(market.SideShort)
		}
		events = append(events, Event{
			Kind:     KindLiquidation,
			Asset:    asset,
			Severity: severity,
			Value:    c.peak.notional,
			Payload: map[string]decimal.Decimal{
				PayloadCount:         decimal.NewFromInt(int64(c.peak.count)),
				PayloadNotional:      c.peak.notional,
				PayloadBucketCount:   decimal.NewFromInt(int64(c.qualifying)),
				PayloadConsecutive:   decimal.NewFromInt(int64(c.longest)),
				PayloadTotalNotional: total,
			},
			Labels:     map[string]string{LabelDominantSide: side},
			DetectedAt: c.peak.last,
		})
	}
	return events, nil
}

// scan slides a Bucket-wide window over time-ordered records, ending it at each
// distinct timestamp. A window is dense when it holds MinCount records and
// qualifies when it also reaches MinNotional. Overlapping dense windows form one
// run whose length is counted in buckets; qualifying counts disjoint windows.
func (d *Liquidation) scan(recs []market.LiquidationRecord) cascade {
	var (
		c          cascade
		tail       int
		sum        = decimal.Zero
		runStart   time.Time
		denseEnd   time.Time
		countedEnd time.Time
		inRun      bool
		counted    bool
	)
	for hi, rec := range recs {
		sum = sum.Add(rec.Notional)
		for recs[tail].Timestamp.Before(rec.Timestamp.Add(-d.opts.Bucket)) {
			sum = sum.Sub(recs[tail].Notional)
			tail++
		}
		if hi+1 < len(recs) && recs[hi+1].Timestamp.Equal(rec.Timestamp) {
			continue
		}
		count := hi - tail + 1
		if count < d.opts.MinCount {
			continue
		}

		first := recs[tail].Timestamp
		if !inRun || first.After(denseEnd) {
			runStart = first
			inRun = true
		}
		denseEnd = rec.Timestamp
		c.longest = max(c.longest, int(denseEnd.Sub(runStart)/d.opts.Bucket)+1)

		if sum.LessThan(d.opts.MinNotional) {
			continue
		}
		if !counted || first.After(countedEnd) {
			c.qualifying++
			countedEnd = rec.Timestamp
			counted = true
		}
		if !c.found || sum.GreaterThan(c.peak.notional) {
			c.peak = burst{count: count, notional: sum, last: rec.Timestamp}
			c.found = true
		}
	}
	return c
}

// Analyze groups recent records into window-sized periods aligned to the clock and
// reports the periods that reached the minimum count, along with the current cascades.
func (d *Liquidation) Analyze(ctx context.Context, r Reader, now time.Time) (CascadeReport, error) {
	records, err := d.Recent(r, 0, now)
	if err != nil {
		return CascadeReport{}, err
	}
	report := CascadeReport{TotalLiquidations: len(records), TotalNotional: decimal.Zero}

	periods := make(map[time.Time]*CascadePeriod)
	for _, rec := range records {
		report.TotalNotional = report.TotalNotional.Add(rec.Notional)
		start := rec.Timestamp.Truncate(d.opts.Window)
		p, ok := periods[start]
		if !ok {
			p = &CascadePeriod{Start: start, Notional: decimal.Zero}
			periods[start] = p
		}
		p.Count++
		p.Notional = p.Notional.Add(rec.Notional)
	}
	for _, p := range periods {
		if p.Count < d.opts.MinCount {
			continue
		}
		report.Periods = append(report.Periods, *p)
		report.LargestCascade = max(report.LargestCascade, p.Count)
	}
	sort.Slice(report.Periods, func(i, j int) bool {
		return report.Periods[i].Start.Before(report.Periods[j].Start)
	})

	events, err := d.Evaluate(ctx, r, now)
	if err != nil {
		return CascadeReport{}, err
	}
	report.Events = events
	return report, nil
}
