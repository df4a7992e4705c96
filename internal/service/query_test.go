package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-signal-alerts/internal/alerting"
	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/market"
)

func TestQueryByKindAndAsset(t *testing.T) {
	f := newFixture(t)
	seedSignals(t, f.store)
	seed(t, f.store, "SOL", market.MetricVolume, 50, 50, 50, 50, 50, 300)
	ctx := context.Background()

	events, err := f.svc.Query(ctx, "volume", "")
	require.NoError(t, err)
	require.Len(t, events, 2)

	events, err = f.svc.Query(ctx, "volume_spike", "btc")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "BTC", events[0].Asset)

	events, err = f.svc.Query(ctx, "oi", "BTC")
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = f.svc.Query(ctx, "sentiment", "BTC")
	require.ErrorIs(t, err, market.ErrInvalidParameter)

	_, err = f.svc.Query(ctx, "volume", "DOGE")
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestQueryDisabledDetector(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Detectors.Divergence = nil })
	_, err := f.svc.Query(context.Background(), "divergence", "")
	require.ErrorIs(t, err, market.ErrInvalidParameter)

	_, _, err = f.svc.DetectVolumePriceDivergence(context.Background())
	require.ErrorIs(t, err, market.ErrInvalidParameter)
}

func TestQueryKnowsAssetsFromLiquidations(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.AppendLiquidations([]market.LiquidationRecord{{
		Asset: "WIF", Side: market.SideShort, Notional: decimal.NewFromInt(10), Timestamp: t0,
	}}))

	events, err := f.svc.Query(context.Background(), "liquidation", "wif")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFundingFacade(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, "BTC", market.MetricFunding, 0.0001, 0.0002)
	seed(t, f.store, "ETH", market.MetricFunding, -0.0005)
	seed(t, f.store, "SOL", market.MetricFunding, 0.00005)

	top, err := f.svc.GetTopFundingRates(2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "ETH", top[0].Asset)
	assert.Equal(t, "BTC", top[1].Asset)

	top, err = f.svc.GetTopFundingRates(0)
	require.NoError(t, err)
	assert.Len(t, top, 3)

	_, err = f.svc.GetTopFundingRates(-1)
	require.ErrorIs(t, err, market.ErrInvalidParameter)

	info, err := f.svc.FindAsset(" btc ")
	require.NoError(t, err)
	assert.True(t, info.Rate.Equal(decimal.RequireFromString("0.0002")))

	_, err = f.svc.FindAsset("DOGE")
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestLiquidationFacade(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	var records []market.LiquidationRecord
	for i := 0; i < 10; i++ {
		records = append(records, market.LiquidationRecord{
			Asset:     "BTC",
			Side:      market.SideLong,
			Notional:  decimal.NewFromInt(50000),
			Timestamp: now.Add(-time.Minute + time.Duration(i)*5*time.Second),
		})
	}
	require.NoError(t, f.store.AppendLiquidations(records))

	recent, err := f.svc.GetRecentLiquidations(0)
	require.NoError(t, err)
	require.Len(t, recent, 10)
	assert.True(t, recent[0].Timestamp.After(recent[9].Timestamp))

	_, err = f.svc.GetRecentLiquidations(-time.Minute)
	require.ErrorIs(t, err, market.ErrInvalidParameter)

	report, err := f.svc.AnalyzeLiquidationCascade(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, report.TotalLiquidations)
	assert.True(t, report.TotalNotional.Equal(decimal.NewFromInt(500000)))
	assert.Len(t, report.Events, 1)
}

func TestOpenInterestFacade(t *testing.T) {
	f := newFixture(t)
	seedSignals(t, f.store)

	points, err := f.svc.GetOITrends("eth")
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.True(t, points[3].Value.Equal(decimal.NewFromInt(150)))

	_, err = f.svc.GetOITrends("")
	require.ErrorIs(t, err, market.ErrInvalidParameter)

	spikes, err := f.svc.DetectOISpikes(decimal.Zero)
	require.NoError(t, err)
	require.Len(t, spikes, 1)
	assert.True(t, spikes[0].Value.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, detector.SeverityCritical, spikes[0].Severity)

	spikes, err = f.svc.DetectOISpikes(decimal.NewFromInt(60))
	require.NoError(t, err)
	assert.Empty(t, spikes)

	ranking, err := f.svc.GetOIRanking()
	require.NoError(t, err)
	require.Len(t, ranking, 1)
	assert.Equal(t, "ETH", ranking[0].Asset)
}

func TestVolumeFacade(t *testing.T) {
	f := newFixture(t)
	seedSignals(t, f.store)

	points, err := f.svc.GetAssetVolumeHistory("BTC")
	require.NoError(t, err)
	require.Len(t, points, 6)
	assert.Equal(t, t0, points[0].Timestamp)

	_, err = f.svc.GetAssetVolumeHistory("ETH")
	require.ErrorIs(t, err, market.ErrNotFound)

	stats, err := f.svc.GetVolumeStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Assets)
	assert.True(t, stats.Total.Equal(decimal.NewFromInt(400)))
}

func TestAlertFacade(t *testing.T) {
	f := newFixture(t)
	seedSignals(t, f.store)
	ctx := context.Background()

	_, err := f.svc.SetAlert(ctx, alerting.Rule{UserID: 0, Kind: detector.KindVolumeSpike, Direction: alerting.DirectionAbove})
	require.ErrorIs(t, err, market.ErrInvalidParameter)

	id := addRule(t, f.svc, alerting.Rule{UserID: 3, Kind: detector.KindVolumeSpike, Threshold: decimal.NewFromInt(2), Direction: alerting.DirectionAbove})
	require.Len(t, f.svc.Alerts(3), 1)
	assert.Empty(t, f.svc.Alerts(4))

	deliveries, err := f.svc.CheckAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 1, f.notifier.count())

	require.NoError(t, f.svc.RemoveAlert(ctx, id))
	require.ErrorIs(t, f.svc.RemoveAlert(ctx, id), market.ErrNotFound)
	assert.Empty(t, f.svc.Alerts(0))
}
