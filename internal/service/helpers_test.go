package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"perp-signal-alerts/internal/alerting"
	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/fetcher"
	"perp-signal-alerts/internal/market"
	"perp-signal-alerts/internal/snapshot"
	"perp-signal-alerts/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu         sync.Mutex
	deliveries []alerting.Delivery
	err        error
}

func (n *recordingNotifier) Notify(_ context.Context, d alerting.Delivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, d)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.deliveries)
}

type staticSource struct {
	name  string
	batch fetcher.Batch
	err   error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Fetch(context.Context, time.Time) (fetcher.Batch, error) {
	return s.batch, s.err
}

type memoryHistory struct {
	mu           sync.Mutex
	snapshots    []market.Snapshot
	liquidations []market.LiquidationRecord
	deleted      []time.Time
	deliveries   []storage.DeliveryRecord
}

var (
	_ storage.SnapshotStore = (*memoryHistory)(nil)
	_ storage.DeliveryStore = (*memoryHistory)(nil)
)

func (m *memoryHistory) InsertSnapshots(_ context.Context, snaps []market.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snaps...)
	return nil
}

func (m *memoryHistory) InsertLiquidations(_ context.Context, records []market.LiquidationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liquidations = append(m.liquidations, records...)
	return nil
}

func (m *memoryHistory) ListSnapshotsBetween(_ context.Context, metric market.Metric, asset string, from, to time.Time) ([]market.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.Snapshot
	for _, s := range m.snapshots {
		if s.Metric != metric || (asset != "" && s.Asset != asset) {
			continue
		}
		if s.Timestamp.Before(from) || !s.Timestamp.Before(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memoryHistory) DeleteSnapshotsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, olderThan)
	return 0, nil
}

func (m *memoryHistory) InsertDelivery(_ context.Context, rec storage.DeliveryRecord) (storage.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.deliveries) + 1)
	m.deliveries = append(m.deliveries, rec)
	return rec, nil
}

func (m *memoryHistory) ListRecentDeliveries(context.Context, int) ([]storage.DeliveryRecord, error) {
	return nil, errors.New("not implemented")
}

type fixture struct {
	svc      *Service
	store    *snapshot.Store
	registry *alerting.Registry
	notifier *recordingNotifier
	clock    *fakeClock
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	clock := &fakeClock{now: t0.Add(10 * time.Minute)}
	store := snapshot.New(snapshot.Options{Retention: 24 * time.Hour, LiquidationRetention: 24 * time.Hour})
	registry := alerting.NewRegistry(alerting.Options{Cooldown: 15 * time.Minute, Clock: clock.Now}, zerolog.Nop())
	notifier := &recordingNotifier{}

	opts := Options{
		Store: store,
		Detectors: detector.Set{
			Funding:      detector.NewFunding(detector.FundingOptions{}),
			Liquidation:  detector.NewLiquidation(detector.LiquidationOptions{}),
			OpenInterest: detector.NewOpenInterest(detector.OpenInterestOptions{ThresholdPct: decimal.NewFromInt(20)}),
			Volume:       detector.NewVolume(detector.VolumeOptions{}),
			Divergence:   detector.NewDivergence(detector.DivergenceOptions{}),
		},
		Registry: registry,
		Notifier: notifier,
		Clock:    clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}

	svc, err := New(opts, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, registry: registry, notifier: notifier, clock: clock}
}

func seed(t *testing.T, store *snapshot.Store, asset string, metric market.Metric, values ...float64) {
	t.Helper()
	for i, v := range values {
		require.NoError(t, store.Record(market.Snapshot{
			Asset:     asset,
			Metric:    metric,
			Value:     decimal.NewFromFloat(v),
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
}

// seedSignals stores a BTC volume spike (ratio 4) and an ETH open-interest jump of 50%.
func seedSignals(t *testing.T, store *snapshot.Store) {
	t.Helper()
	seed(t, store, "BTC", market.MetricVolume, 100, 100, 100, 100, 100, 400)
	seed(t, store, "ETH", market.MetricOpenInterest, 100, 100, 100, 150)
}

func addRule(t *testing.T, svc *Service, rule alerting.Rule) string {
	t.Helper()
	id, err := svc.SetAlert(context.Background(), rule)
	require.NoError(t, err)
	return id
}

type stubDetector struct {
	name   string
	kind   detector.Kind
	events []detector.Event
	err    error
	panic  bool
}

func (d stubDetector) Name() string        { return d.name }
func (d stubDetector) Kind() detector.Kind { return d.kind }

func (d stubDetector) Evaluate(context.Context, detector.Reader, time.Time) ([]detector.Event, error) {
	if d.panic {
		panic("boom")
	}
	return d.events, d.err
}
