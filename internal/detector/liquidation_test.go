package detector

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-signal-alerts/internal/market"
	"perp-signal-alerts/internal/snapshot"
)

func liq(asset string, side market.Side, notional int64, at time.Time) market.LiquidationRecord {
	return market.LiquidationRecord{Asset: asset, Side: side, Notional: decimal.NewFromInt(notional), Timestamp: at}
}

func TestCascadeWithinOneMinute(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	var recs []market.LiquidationRecord
	for i := 0; i < 10; i++ {
		recs = append(recs, liq("BTC", market.SideLong, 15_000, t0.Add(time.Duration(i)*6*time.Second)))
	}
	require.NoError(t, store.AppendLiquidations(recs))
	d := NewLiquidation(LiquidationOptions{})

	for _, offset := range []time.Duration{54 * time.Second, 90 * time.Second, 2*time.Minute + 30*time.Second, 4 * time.Minute} {
		t.Run(offset.String(), func(t *testing.T) {
			events, err := d.Evaluate(context.Background(), store, t0.Add(offset))
			require.NoError(t, err)
			require.Len(t, events, 1)
			ev := events[0]
			assert.Equal(t, KindLiquidation, ev.Kind)
			assert.Equal(t, "BTC", ev.Asset)
			assert.Equal(t, SeverityWarning, ev.Severity)
			assert.True(t, ev.Value.Equal(decimal.NewFromInt(150_000)))
			assert.True(t, ev.Payload[PayloadCount].Equal(decimal.NewFromInt(10)))
			assert.True(t, ev.Payload[PayloadBucketCount].Equal(decimal.NewFromInt(1)))
			assert.True(t, ev.Payload[PayloadConsecutive].Equal(decimal.NewFromInt(1)))
			assert.Equal(t, string(market.SideLong), ev.Labels[LabelDominantSide])
			assert.Equal(t, t0.Add(54*time.Second), ev.DetectedAt)
		})
	}
}

func TestCascadeBelowThresholdInEveryWindow(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	var recs []market.LiquidationRecord
	for i := 0; i < 6; i++ {
		recs = append(recs, liq("BTC", market.SideLong, 15_000, t0.Add(time.Duration(i)*6*time.Second)))
	}
	require.NoError(t, store.AppendLiquidations(recs))

	events, err := NewLiquidation(LiquidationOptions{}).Evaluate(context.Background(), store, t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.Empty(t, events, "90k inside one minute stays under the notional threshold")
}

func TestNoCascadeWhenSpreadOverADay(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	var recs []market.LiquidationRecord
	for i := 0; i < 10; i++ {
		recs = append(recs, liq("BTC", market.SideShort, 500_000, t0.Add(time.Duration(i)*160*time.Minute)))
	}
	require.NoError(t, store.AppendLiquidations(recs))

	events, err := NewLiquidation(LiquidationOptions{}).Evaluate(context.Background(), store, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCascadeCriticalOnConsecutiveBuckets(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	var recs []market.LiquidationRecord
	for minute := 2; minute <= 4; minute++ {
		for j := 1; j <= 3; j++ {
			at := t0.Add(time.Duration(minute)*time.Minute + time.Duration(j)*10*time.Second)
			recs = append(recs, liq("ETH", market.SideShort, 40_000, at))
		}
	}
	require.NoError(t, store.AppendLiquidations(recs))

	events, err := NewLiquidation(LiquidationOptions{}).Evaluate(context.Background(), store, t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SeverityCritical, events[0].Severity)
	// disjoint qualifying windows end at 2:30 and 4:10
	assert.True(t, events[0].Payload[PayloadBucketCount].Equal(decimal.NewFromInt(2)))
	assert.True(t, events[0].Payload[PayloadConsecutive].Equal(decimal.NewFromInt(3)))
	assert.True(t, events[0].Payload[PayloadTotalNotional].Equal(decimal.NewFromInt(360_000)))
	assert.Equal(t, string(market.SideShort), events[0].Labels[LabelDominantSide])
}

func TestDenseButSmallBucketDoesNotCascade(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	require.NoError(t, store.AppendLiquidations([]market.LiquidationRecord{
		liq("SOL", market.SideLong, 100, t0),
		liq("SOL", market.SideLong, 100, t0.Add(time.Second)),
		liq("SOL", market.SideLong, 100, t0.Add(2*time.Second)),
	}))

	events, err := NewLiquidation(LiquidationOptions{}).Evaluate(context.Background(), store, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = NewLiquidation(LiquidationOptions{MinNotional: decimal.NewFromInt(300)}).
		Evaluate(context.Background(), store, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEmptyWindowIsNotAnError(t *testing.T) {
	events, err := NewLiquidation(LiquidationOptions{}).Evaluate(context.Background(), snapshot.New(snapshot.Options{}), t0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecentOrdering(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	require.NoError(t, store.AppendLiquidations([]market.LiquidationRecord{
		liq("BTC", market.SideLong, 1, t0),
		liq("BTC", market.SideLong, 2, t0.Add(time.Minute)),
		liq("ETH", market.SideShort, 3, t0.Add(time.Minute)),
		liq("BTC", market.SideLong, 4, t0.Add(-2*time.Hour)),
	}))
	d := NewLiquidation(LiquidationOptions{})

	recent, err := d.Recent(store, time.Hour, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.True(t, recent[0].Notional.Equal(decimal.NewFromInt(2)))
	assert.True(t, recent[1].Notional.Equal(decimal.NewFromInt(3)))
	assert.True(t, recent[2].Notional.Equal(decimal.NewFromInt(1)))

	all, err := d.Recent(store, 0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = d.Recent(store, -time.Minute, t0)
	require.ErrorIs(t, err, market.ErrInvalidParameter)
}

func TestFilterBySize(t *testing.T) {
	recs := []market.LiquidationRecord{
		liq("BTC", market.SideLong, 10, t0),
		liq("BTC", market.SideLong, 1_000, t0),
		liq("BTC", market.SideLong, 100, t0),
	}
	out := FilterBySize(recs, decimal.NewFromInt(100))
	require.Len(t, out, 2)
	assert.True(t, out[0].Notional.Equal(decimal.NewFromInt(1_000)))
	assert.Len(t, recs, 3)
}

func TestAnalyzeReport(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	var recs []market.LiquidationRecord
	for i := 0; i < 10; i++ {
		recs = append(recs, liq("BTC", market.SideLong, 50_000, t0.Add(time.Duration(i)*6*time.Second)))
	}
	recs = append(recs, liq("ETH", market.SideLong, 5, t0.Add(-time.Hour)))
	require.NoError(t, store.AppendLiquidations(recs))

	report, err := NewLiquidation(LiquidationOptions{}).Analyze(context.Background(), store, t0.Add(54*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 11, report.TotalLiquidations)
	assert.True(t, report.TotalNotional.Equal(decimal.NewFromInt(500_005)))
	require.Len(t, report.Periods, 1)
	assert.Equal(t, t0, report.Periods[0].Start)
	assert.Equal(t, 10, report.LargestCascade)
	assert.Len(t, report.Events, 1)
}
