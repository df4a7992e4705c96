package service

import (
	"context"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/alerting"
	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/market"
	"perp-signal-alerts/internal/metrics"
)

// Point is one timestamped value of a history.
type Point struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

func (s *Service) funding() (*detector.Funding, error) {
	if s.opts.Detectors.Funding == nil {
		return nil, market.InvalidParameterf("funding detector is disabled")
	}
	return s.opts.Detectors.Funding, nil
}

func (s *Service) liquidation() (*detector.Liquidation, error) {
	if s.opts.Detectors.Liquidation == nil {
		return nil, market.InvalidParameterf("liquidation detector is disabled")
	}
	return s.opts.Detectors.Liquidation, nil
}

func (s *Service) openInterest() (*detector.OpenInterest, error) {
	if s.opts.Detectors.OpenInterest == nil {
		return nil, market.InvalidParameterf("open interest detector is disabled")
	}
	return s.opts.Detectors.OpenInterest, nil
}

func (s *Service) volume() (*detector.Volume, error) {
	if s.opts.Detectors.Volume == nil {
		return nil, market.InvalidParameterf("volume detector is disabled")
	}
	return s.opts.Detectors.Volume, nil
}

// GetTopFundingRates returns the n assets with the largest absolute funding rate.
// Zero selects the configured default.
func (s *Service) GetTopFundingRates(n int) ([]detector.FundingInfo, error) {
	d, err := s.funding()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		n = d.DefaultTopN()
	}
	return d.Top(s.opts.Store, n)
}

// FindAsset returns the funding picture of one asset, matched case-insensitively.
func (s *Service) FindAsset(symbol string) (detector.FundingInfo, error) {
	d, err := s.funding()
	if err != nil {
		return detector.FundingInfo{}, err
	}
	return d.FindAsset(s.opts.Store, symbol)
}

// GetRecentLiquidations returns liquidations inside window, newest first. Zero
// selects the configured default window.
func (s *Service) GetRecentLiquidations(window time.Duration) ([]market.LiquidationRecord, error) {
	d, err := s.liquidation()
	if err != nil {
		return nil, err
	}
	return d.Recent(s.opts.Store, window, s.opts.Clock().UTC())
}

// AnalyzeLiquidationCascade summarises recent liquidation clusters.
func (s *Service) AnalyzeLiquidationCascade(ctx context.Context) (detector.CascadeReport, error) {
	d, err := s.liquidation()
	if err != nil {
		return detector.CascadeReport{}, err
	}
	return d.Analyze(ctx, s.opts.Store, s.opts.Clock().UTC())
}

// GetOITrends returns the open-interest history of one asset.
func (s *Service) GetOITrends(asset string) ([]Point, error) {
	d, err := s.openInterest()
	if err != nil {
		return nil, err
	}
	seq, err := d.Trends(s.opts.Store, asset)
	if err != nil {
		return nil, err
	}
	var points []Point
	for ts, v := range seq {
		points = append(points, Point{Timestamp: ts, Value: v})
	}
	return points, nil
}

// GetOIRanking returns the open-interest change of every asset, largest current
// open interest first.
func (s *Service) GetOIRanking() ([]detector.OIChange, error) {
	d, err := s.openInterest()
	if err != nil {
		return nil, err
	}
	return d.Changes(s.opts.Store), nil
}

// DetectOISpikes returns open-interest moves of at least thresholdPct percent.
// A zero threshold selects the configured one.
func (s *Service) DetectOISpikes(thresholdPct decimal.Decimal) ([]detector.Event, error) {
	d, err := s.openInterest()
	if err != nil {
		return nil, err
	}
	if thresholdPct.IsZero() {
		thresholdPct = d.Threshold()
	}
	return d.DetectSpikes(s.opts.Store, thresholdPct)
}

// GetAssetVolumeHistory returns the volume history of one asset.
func (s *Service) GetAssetVolumeHistory(asset string) ([]Point, error) {
	d, err := s.volume()
	if err != nil {
		return nil, err
	}
	series, err := d.History(s.opts.Store, asset)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, series.Len())
	for ts, v := range series.All() {
		points = append(points, Point{Timestamp: ts, Value: v})
	}
	return points, nil
}

// GetVolumeStats summarises the latest volume across assets.
func (s *Service) GetVolumeStats() (detector.VolumeStats, error) {
	d, err := s.volume()
	if err != nil {
		return detector.VolumeStats{}, err
	}
	return d.Stats(s.opts.Store), nil
}

// DetectVolumePriceDivergence returns the current divergence events and their summary.
func (s *Service) DetectVolumePriceDivergence(ctx context.Context) ([]detector.Event, detector.DivergenceSummary, error) {
	d := s.opts.Detectors.Divergence
	if d == nil {
		return nil, detector.DivergenceSummary{}, market.InvalidParameterf("divergence detector is disabled")
	}
	events, err := s.runDetector(ctx, d, s.opts.Clock().UTC())
	if err != nil {
		return nil, detector.DivergenceSummary{}, err
	}
	return events, detector.Summarize(events), nil
}

// SetAlert registers a rule and returns its id.
func (s *Service) SetAlert(ctx context.Context, rule alerting.Rule) (string, error) {
	id, err := s.opts.Registry.Register(ctx, rule)
	if err != nil {
		return "", err
	}
	s.updateRuleGauge()
	return id, nil
}

// RemoveAlert deletes a rule.
func (s *Service) RemoveAlert(ctx context.Context, id string) error {
	if err := s.opts.Registry.Remove(ctx, id); err != nil {
		return err
	}
	s.updateRuleGauge()
	return nil
}

// Alerts lists the rules of one user, or all rules when userID is zero.
func (s *Service) Alerts(userID int64) []alerting.Rule {
	return s.opts.Registry.Rules(userID)
}

// LoadAlerts restores persisted rules into the registry.
func (s *Service) LoadAlerts(ctx context.Context) error {
	if err := s.opts.Registry.Load(ctx); err != nil {
		return err
	}
	s.updateRuleGauge()
	return nil
}

// CheckAlerts evaluates the store now and delivers whatever fires.
func (s *Service) CheckAlerts(ctx context.Context) ([]alerting.Delivery, error) {
	deliveries, err := s.EvaluateAll(ctx)
	s.Deliver(ctx, deliveries)
	return deliveries, err
}

// Query runs the detector for kind and keeps the events of asset, or all events
// when asset is empty. Unknown kinds are invalid; assets the store has never seen
// are not found.
func (s *Service) Query(ctx context.Context, kind, asset string) ([]detector.Event, error) {
	k, err := detector.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	d, ok := s.opts.Detectors.ByKind(k)
	if !ok {
		return nil, market.InvalidParameterf("%s detector is disabled", k)
	}

	symbol := market.NormalizeAsset(asset)
	if symbol != "" && !s.knownAsset(symbol) {
		return nil, market.NotFoundf("asset %s", symbol)
	}

	events, err := s.runDetector(ctx, d, s.opts.Clock().UTC())
	if err != nil {
		return nil, err
	}
	if symbol == "" {
		return events, nil
	}
	return lo.Filter(events, func(ev detector.Event, _ int) bool { return ev.Asset == symbol }), nil
}

func (s *Service) knownAsset(symbol string) bool {
	for _, m := range market.Metrics {
		if _, ok := s.opts.Store.Latest(symbol, m); ok {
			return true
		}
	}
	return lo.ContainsBy(s.opts.Store.Liquidations(time.Time{}), func(rec market.LiquidationRecord) bool {
		return rec.Asset == symbol
	})
}

func (s *Service) updateRuleGauge() {
	metrics.RulesActive.Set(float64(len(s.opts.Registry.Rules(0))))
}
