package detector

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/market"
	"perp-signal-alerts/internal/snapshot"
)

const defaultFundingTopN = 5

// hourly funding, quoted as an annual percentage
var annualizeFactor = decimal.NewFromInt(24 * 365 * 100)

// FundingOptions configures the funding detector.
type FundingOptions struct {
	TopN int
}

// FundingInfo summarises the current funding state of one asset.
type FundingInfo struct {
	Asset         string          `json:"asset"`
	Rate          decimal.Decimal `json:"rate"`
	AnnualizedPct decimal.Decimal `json:"annualized_pct"`
	ChangePct     decimal.Decimal `json:"change_pct"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SignFlip is a transition between non-zero funding rates of opposite sign.
type SignFlip struct {
	At       time.Time       `json:"at"`
	Previous decimal.Decimal `json:"previous"`
	Current  decimal.Decimal `json:"current"`
}

// Direction labels the flip.
func (f SignFlip) Direction() string {
	if f.Current.IsNegative() {
		return DirectionPosToNeg
	}
	return DirectionNegToPos
}

// Funding ranks funding rates and reports sign flips.
type Funding struct {
	opts FundingOptions
}

var _ Detector = (*Funding)(nil)

// NewFunding constructs the funding detector.
func NewFunding(opts FundingOptions) *Funding {
	if opts.TopN <= 0 {
		opts.TopN = defaultFundingTopN
	}
	return &Funding{opts: opts}
}

func (d *Funding) Name() string { return "funding" }
func (d *Funding) Kind() Kind   { return KindFunding }

// DefaultTopN returns the configured ranking size.
func (d *Funding) DefaultTopN() int { return d.opts.TopN }

// Top returns the n assets with the largest absolute funding rate.
func (d *Funding) Top(r Reader, n int) ([]FundingInfo, error) {
	if n <= 0 {
		return nil, market.InvalidParameterf("top count must be positive, got %d", n)
	}
	infos := d.all(r)
	sort.SliceStable(infos, func(i, j int) bool {
		ai, aj := infos[i].Rate.Abs(), infos[j].Rate.Abs()
		if !ai.Equal(aj) {
			return ai.GreaterThan(aj)
		}
		return infos[i].Asset < infos[j].Asset
	})
	if len(infos) > n {
		infos = infos[:n]
	}
	return infos, nil
}

// FindAsset returns the funding state of a single asset, matched case-insensitively.
func (d *Funding) FindAsset(r Reader, symbol string) (FundingInfo, error) {
	asset := market.NormalizeAsset(symbol)
	if asset == "" {
		return FundingInfo{}, market.InvalidParameterf("asset symbol is empty")
	}
	if _, ok := r.Latest(asset, market.MetricFunding); !ok {
		return FundingInfo{}, market.NotFoundf("no funding rate for %s", asset)
	}
	return fundingInfo(r.Series(asset, market.MetricFunding)), nil
}

// Evaluate emits a level event per asset plus a sign-flip event when the newest
// non-zero rate changed sign.
func (d *Funding) Evaluate(ctx context.Context, r Reader, _ time.Time) ([]Event, error) {
	var events []Event
	for _, asset := range r.Assets(market.MetricFunding) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		series := r.Series(asset, market.MetricFunding)
		if series.Len() == 0 {
			continue
		}
		info := fundingInfo(series)
		events = append(events, Event{
			Kind:     KindFunding,
			Asset:    asset,
			Severity: SeverityInfo,
			Value:    info.Rate,
			Payload: map[string]decimal.Decimal{
				PayloadRate:          info.Rate,
				PayloadAnnualizedPct: info.AnnualizedPct,
				PayloadChangePct:     info.ChangePct,
			},
			Labels:     map[string]string{LabelSignal: SignalLevel},
			DetectedAt: info.Timestamp,
		})

		flip, ok := latestFlip(series)
		if !ok {
			continue
		}
		events = append(events, Event{
			Kind:     KindFunding,
			Asset:    asset,
			Severity: SeverityWarning,
			Value:    flip.Current,
			Payload: map[string]decimal.Decimal{
				PayloadRate:          flip.Current,
				PayloadPreviousRate:  flip.Previous,
				PayloadAnnualizedPct: flip.Current.Mul(annualizeFactor),
				PayloadChangePct:     info.ChangePct,
			},
			Labels: map[string]string{
				LabelSignal:    SignalSignFlip,
				LabelDirection: flip.Direction(),
			},
			DetectedAt: flip.At,
		})
	}
	return events, nil
}

func (d *Funding) all(r Reader) []FundingInfo {
	assets := r.Assets(market.MetricFunding)
	infos := make([]FundingInfo, 0, len(assets))
	for _, asset := range assets {
		series := r.Series(asset, market.MetricFunding)
		if series.Len() == 0 {
			continue
		}
		infos = append(infos, fundingInfo(series))
	}
	return infos
}

func fundingInfo(series snapshot.Series) FundingInfo {
	first, _ := series.First()
	last, _ := series.Last()
	change, _ := PercentChange(first.Value, last.Value)
	return FundingInfo{
		Asset:         last.Asset,
		Rate:          last.Value,
		AnnualizedPct: last.Value.Mul(annualizeFactor),
		ChangePct:     change,
		Timestamp:     last.Timestamp,
	}
}

// SignFlips lists every sign transition between consecutive non-zero rates.
func SignFlips(series snapshot.Series) []SignFlip {
	var flips []SignFlip
	var prev *market.Snapshot
	for i := range series {
		point := series[i]
		if point.Value.IsZero() {
			continue
		}
		if prev != nil && prev.Value.Sign() != point.Value.Sign() {
			flips = append(flips, SignFlip{At: point.Timestamp, Previous: prev.Value, Current: point.Value})
		}
		prev = &series[i]
	}
	return flips
}

// latestFlip reports a flip only when it happened at the newest non-zero rate.
func latestFlip(series snapshot.Series) (SignFlip, bool) {
	var newest, previous *market.Snapshot
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].Value.IsZero() {
			continue
		}
		if newest == nil {
			newest = &series[i]
			continue
		}
		previous = &series[i]
		break
	}
	if newest == nil || previous == nil || newest.Value.Sign() == previous.Value.Sign() {
		return SignFlip{}, false
	}
	return SignFlip{At: newest.Timestamp, Previous: previous.Value, Current: newest.Value}, true
}
