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

func TestVolumeSpike(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	seed(t, store, "BTC", market.MetricVolume, time.Minute, 100, 110, 90, 105, 95, 400)

	events, err := NewVolume(VolumeOptions{}).Evaluate(context.Background(), store, t0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, KindVolumeSpike, ev.Kind)
	assert.Equal(t, SeverityCritical, ev.Severity)
	assert.True(t, ev.Payload[PayloadMean].Equal(decimal.NewFromInt(100)))
	assert.True(t, ev.Payload[PayloadVolume].Equal(decimal.NewFromInt(400)))
	assert.True(t, ev.Value.Equal(decimal.NewFromInt(4)))
	assert.True(t, ev.Payload[PayloadChangePct].Equal(decimal.NewFromInt(300)))
	assert.Contains(t, ev.Payload, PayloadZScore)
	assert.Equal(t, t0.Add(5*time.Minute), ev.DetectedAt)
}

func TestVolumeNoSpikeWithinBand(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	seed(t, store, "BTC", market.MetricVolume, time.Minute, 100, 110, 90, 105, 95, 112)

	events, err := NewVolume(VolumeOptions{}).Evaluate(context.Background(), store, t0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestVolumeNeedsBaseline(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	seed(t, store, "BTC", market.MetricVolume, time.Minute, 100, 100, 100, 100, 1000)

	events, err := NewVolume(VolumeOptions{}).Evaluate(context.Background(), store, t0)
	require.NoError(t, err)
	assert.Empty(t, events, "four baseline points are below the minimum")

	events, err = NewVolume(VolumeOptions{MinSamples: 4}).Evaluate(context.Background(), store, t0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SeverityWarning, events[0].Severity, "flat baseline has no z-score")
	assert.NotContains(t, events[0].Payload, PayloadZScore)
}

func TestVolumeHistory(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	d := NewVolume(VolumeOptions{})
	seed(t, store, "BTC", market.MetricVolume, time.Minute, 1, 2)

	history, err := d.History(store, "btc")
	require.NoError(t, err)
	assert.Equal(t, 2, history.Len())

	_, err = d.History(store, "ETH")
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestVolumeStats(t *testing.T) {
	store := snapshot.New(snapshot.Options{})
	seed(t, store, "BTC", market.MetricVolume, time.Minute, 999, 300)
	seed(t, store, "ETH", market.MetricVolume, time.Minute, 200)
	seed(t, store, "SOL", market.MetricVolume, time.Minute, 100)

	stats := NewVolume(VolumeOptions{}).Stats(store)
	assert.Equal(t, 3, stats.Assets)
	assert.True(t, stats.Total.Equal(decimal.NewFromInt(600)))
	assert.True(t, stats.Mean.Equal(decimal.NewFromInt(200)))
	assert.True(t, stats.Max.Equal(decimal.NewFromInt(300)))
	assert.True(t, stats.Min.Equal(decimal.NewFromInt(100)))
	assert.True(t, stats.StdDev.Equal(decimal.NewFromInt(100)))
	require.Len(t, stats.Top, 3)
	assert.Equal(t, "BTC", stats.Top[0].Asset)

	empty := NewVolume(VolumeOptions{}).Stats(snapshot.New(snapshot.Options{}))
	assert.Zero(t, empty.Assets)
	assert.True(t, empty.Total.IsZero())
}
