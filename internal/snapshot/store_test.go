package snapshot

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-signal-alerts/internal/market"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func snap(asset string, metric market.Metric, value float64, at time.Time) market.Snapshot {
	return market.Snapshot{Asset: asset, Metric: metric, Value: decimal.NewFromFloat(value), Timestamp: at}
}

func TestRecordRejectsOutOfOrder(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Record(snap("BTC", market.MetricFunding, 0.01, base)))

	err := s.Record(snap("BTC", market.MetricFunding, 0.02, base.Add(-time.Minute)))
	require.ErrorIs(t, err, market.ErrInvalidParameter)

	err = s.Record(snap("btc", market.MetricFunding, 0.02, base))
	require.ErrorIs(t, err, market.ErrInvalidParameter, "equal timestamps are not strictly increasing")

	assert.Equal(t, 1, s.Series("BTC", market.MetricFunding).Len())
}

func TestRecordValidatesInput(t *testing.T) {
	s := New(Options{})
	require.ErrorIs(t, s.Record(snap(" ", market.MetricFunding, 1, base)), market.ErrInvalidParameter)
	require.ErrorIs(t, s.Record(snap("BTC", market.Metric("bogus"), 1, base)), market.ErrInvalidParameter)
	require.ErrorIs(t, s.Record(snap("BTC", market.MetricPrice, 1, time.Time{})), market.ErrInvalidParameter)
}

func TestEvictionKeepsNewest(t *testing.T) {
	s := New(Options{Retention: time.Second})
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(snap("ETH", market.MetricVolume, float64(i), base.Add(time.Duration(i)*time.Minute))))
	}

	series := s.Series("ETH", market.MetricVolume)
	require.Equal(t, 1, series.Len())
	last, ok := series.Last()
	require.True(t, ok)
	assert.True(t, last.Value.Equal(decimal.NewFromInt(4)))
}

func TestEvictionWindow(t *testing.T) {
	s := New(Options{Retention: 10 * time.Minute})
	for i := 0; i <= 20; i++ {
		require.NoError(t, s.Record(snap("SOL", market.MetricPrice, float64(i), base.Add(time.Duration(i)*time.Minute))))
	}

	series := s.Series("SOL", market.MetricPrice)
	assert.Equal(t, 11, series.Len())
	first, _ := series.First()
	assert.Equal(t, base.Add(10*time.Minute), first.Timestamp)
}

func TestSeriesIsACopy(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Record(snap("BTC", market.MetricOpenInterest, 100, base)))
	series := s.Series("BTC", market.MetricOpenInterest)
	series[0].Value = decimal.NewFromInt(999)

	latest, ok := s.Latest("BTC", market.MetricOpenInterest)
	require.True(t, ok)
	assert.True(t, latest.Value.Equal(decimal.NewFromInt(100)))
}

func TestSeriesAllIsReplayable(t *testing.T) {
	s := New(Options{})
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(snap("BTC", market.MetricOpenInterest, float64(100+i), base.Add(time.Duration(i)*time.Minute))))
	}
	series := s.Series("BTC", market.MetricOpenInterest)

	// Mutating the store after the copy must not affect iteration.
	require.NoError(t, s.Record(snap("BTC", market.MetricOpenInterest, 500, base.Add(time.Hour))))

	for round := 0; round < 2; round++ {
		count := 0
		for ts, v := range series.All() {
			assert.Equal(t, base.Add(time.Duration(count)*time.Minute), ts)
			assert.True(t, v.Equal(decimal.NewFromInt(int64(100+count))))
			count++
		}
		assert.Equal(t, 3, count)
	}
}

func TestUnknownSeriesIsEmpty(t *testing.T) {
	s := New(Options{})
	assert.Equal(t, 0, s.Series("NOPE", market.MetricPrice).Len())
	_, ok := s.Latest("NOPE", market.MetricPrice)
	assert.False(t, ok)
	assert.Empty(t, s.Assets(market.MetricPrice))
}

func TestAssetsAndLatestAll(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Record(snap("eth", market.MetricFunding, 0.02, base)))
	require.NoError(t, s.Record(snap("BTC", market.MetricFunding, 0.01, base)))
	require.NoError(t, s.Record(snap("BTC", market.MetricFunding, 0.03, base.Add(time.Minute))))

	assert.Equal(t, []string{"BTC", "ETH"}, s.Assets(market.MetricFunding))
	latest := s.LatestAll(market.MetricFunding)
	require.Len(t, latest, 2)
	assert.Equal(t, "BTC", latest[0].Asset)
	assert.True(t, latest[0].Value.Equal(decimal.NewFromFloat(0.03)))
}

func TestRecordBatchJoinsRejections(t *testing.T) {
	s := New(Options{})
	accepted, err := s.RecordBatch([]market.Snapshot{
		snap("BTC", market.MetricPrice, 1, base),
		snap("BTC", market.MetricPrice, 2, base),
		snap("ETH", market.MetricPrice, 3, base),
	})
	assert.Equal(t, 2, accepted)
	require.ErrorIs(t, err, market.ErrInvalidParameter)
}

func TestLiquidationsOrderAndPrune(t *testing.T) {
	s := New(Options{LiquidationRetention: time.Hour})
	require.NoError(t, s.AppendLiquidations([]market.LiquidationRecord{
		{Asset: "btc", Side: market.SideLong, Notional: decimal.NewFromInt(1), Timestamp: base.Add(time.Minute)},
		{Asset: "BTC", Side: market.SideShort, Notional: decimal.NewFromInt(2), Timestamp: base},
		{Asset: "BTC", Side: market.SideLong, Notional: decimal.NewFromInt(3), Timestamp: base.Add(time.Minute)},
	}))

	recs := s.Liquidations(time.Time{})
	require.Len(t, recs, 3)
	assert.True(t, recs[0].Notional.Equal(decimal.NewFromInt(2)))
	assert.True(t, recs[1].Notional.Equal(decimal.NewFromInt(1)), "ties keep insertion order")
	assert.True(t, recs[2].Notional.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, "BTC", recs[1].Asset)

	require.NoError(t, s.AppendLiquidations([]market.LiquidationRecord{
		{Asset: "ETH", Side: market.SideLong, Notional: decimal.NewFromInt(4), Timestamp: base.Add(2 * time.Hour)},
	}))
	assert.Equal(t, 1, s.LiquidationCount())
}

func TestAppendLiquidationsValidates(t *testing.T) {
	s := New(Options{})
	err := s.AppendLiquidations([]market.LiquidationRecord{{Asset: "BTC", Notional: decimal.NewFromInt(-1), Timestamp: base}})
	require.ErrorIs(t, err, market.ErrInvalidParameter)
	assert.Equal(t, 0, s.LiquidationCount())
}

func TestAppendLiquidationsKeepsValidRecords(t *testing.T) {
	s := New(Options{})
	err := s.AppendLiquidations([]market.LiquidationRecord{
		{Asset: "BTC", Side: market.SideLong, Notional: decimal.NewFromInt(1), Timestamp: base},
		{Asset: "", Side: market.SideLong, Notional: decimal.NewFromInt(2), Timestamp: base},
		{Asset: "ETH", Side: market.SideShort, Notional: decimal.NewFromInt(3), Timestamp: base.Add(time.Second)},
		{Asset: "SOL", Side: market.SideShort, Notional: decimal.NewFromInt(4)},
	})
	require.ErrorIs(t, err, market.ErrInvalidParameter)
	assert.Contains(t, err.Error(), "asset is empty")
	assert.Contains(t, err.Error(), "no timestamp")

	recs := s.Liquidations(time.Time{})
	require.Len(t, recs, 2)
	assert.Equal(t, "BTC", recs[0].Asset)
	assert.Equal(t, "ETH", recs[1].Asset)
}

func TestConcurrentReadersSeeWholeAppends(t *testing.T) {
	s := New(Options{Retention: time.Hour})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = s.Record(snap("BTC", market.MetricPrice, float64(i), base.Add(time.Duration(i)*time.Second)))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				series := s.Series("BTC", market.MetricPrice)
				for j := 1; j < series.Len(); j++ {
					if !series[j].Timestamp.After(series[j-1].Timestamp) {
						t.Errorf("series out of order at %d", j)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
