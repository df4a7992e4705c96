package snapshot

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"perp-signal-alerts/internal/market"
)

const (
	defaultRetention            = 24 * time.Hour
	defaultLiquidationRetention = 24 * time.Hour
)

// Options tune retention.
type Options struct {
	// Retention bounds every series, measured back from its newest point.
	Retention time.Duration
	// LiquidationRetention bounds the liquidation log, measured back from its newest record.
	LiquidationRetention time.Duration
}

type seriesKey struct {
	asset  string
	metric market.Metric
}

// Store keeps rolling per-asset histories and the liquidation log in memory.
type Store struct {
	opts Options

	mu     sync.RWMutex
	series map[seriesKey][]market.Snapshot
	liqs   []market.LiquidationRecord
	seq    uint64
}

// New constructs an empty Store.
func New(opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.LiquidationRetention <= 0 {
		opts.LiquidationRetention = defaultLiquidationRetention
	}
	return &Store{
		opts:   opts,
		series: make(map[seriesKey][]market.Snapshot),
	}
}

// Retention returns the configured series retention.
func (s *Store) Retention() time.Duration { return s.opts.Retention }

// Record appends a snapshot to its series and evicts points that fell out of the window.
func (s *Store) Record(snap market.Snapshot) error {
	snap.Asset = market.NormalizeAsset(snap.Asset)
	if snap.Asset == "" {
		return market.InvalidParameterf("snapshot asset is empty")
	}
	if !snap.Metric.Valid() {
		return market.InvalidParameterf("snapshot metric %q unknown", snap.Metric)
	}
	if snap.Timestamp.IsZero() {
		return market.InvalidParameterf("snapshot %s/%s has no timestamp", snap.Asset, snap.Metric)
	}

	key := seriesKey{asset: snap.Asset, metric: snap.Metric}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.series[key]
	if n := len(current); n > 0 && !snap.Timestamp.After(current[n-1].Timestamp) {
		return market.InvalidParameterf("snapshot %s/%s at %s is not after %s",
			snap.Asset, snap.Metric, snap.Timestamp.Format(time.RFC3339Nano),
			current[n-1].Timestamp.Format(time.RFC3339Nano))
	}

	// Build the next slice instead of appending in place so a Series handed out
	// earlier never shares a backing array that is being written.
	cutoff := snap.Timestamp.Add(-s.opts.Retention)
	start := sort.Search(len(current), func(i int) bool {
		return !current[i].Timestamp.Before(cutoff)
	})
	next := make([]market.Snapshot, 0, len(current)-start+1)
	next = append(next, current[start:]...)
	next = append(next, snap)
	s.series[key] = next
	return nil
}

// RecordBatch records every snapshot and reports how many were accepted.
// Rejections are joined into the returned error; accepted points stay recorded.
func (s *Store) RecordBatch(snaps []market.Snapshot) (int, error) {
	accepted := 0
	var errs []error
	for _, snap := range snaps {
		if err := s.Record(snap); err != nil {
			errs = append(errs, err)
			continue
		}
		accepted++
	}
	return accepted, errors.Join(errs...)
}

// Series returns a copy of the current window, empty when the pair is unknown.
func (s *Store) Series(asset string, metric market.Metric) Series {
	key := seriesKey{asset: market.NormalizeAsset(asset), metric: metric}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Series(slices.Clone(s.series[key]))
}

// Latest returns the newest snapshot of the pair.
func (s *Store) Latest(asset string, metric market.Metric) (market.Snapshot, bool) {
	key := seriesKey{asset: market.NormalizeAsset(asset), metric: metric}
	s.mu.RLock()
	defer s.mu.RUnlock()
	current := s.series[key]
	if len(current) == 0 {
		return market.Snapshot{}, false
	}
	return current[len(current)-1], true
}

// Assets lists, sorted, every asset that has a series for metric.
func (s *Store) Assets(metric market.Metric) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := make([]string, 0)
	for key, points := range s.series {
		if key.metric == metric && len(points) > 0 {
			assets = append(assets, key.asset)
		}
	}
	sort.Strings(assets)
	return assets
}

// LatestAll returns the newest snapshot of every asset for metric, sorted by asset.
func (s *Store) LatestAll(metric market.Metric) []market.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Snapshot, 0)
	for key, points := range s.series {
		if key.metric == metric && len(points) > 0 {
			out = append(out, points[len(points)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// AppendLiquidations adds the valid records to the log in the given order and
// prunes records that fell out of the liquidation retention. Invalid records are
// skipped and their rejections joined into the returned error.
func (s *Store) AppendLiquidations(records []market.LiquidationRecord) error {
	var errs []error
	valid := make([]market.LiquidationRecord, 0, len(records))
	for _, rec := range records {
		if err := validateLiquidation(rec); err != nil {
			errs = append(errs, err)
			continue
		}
		valid = append(valid, rec)
	}
	if len(valid) > 0 {
		s.appendLiquidations(valid)
	}
	return errors.Join(errs...)
}

func validateLiquidation(rec market.LiquidationRecord) error {
	if market.NormalizeAsset(rec.Asset) == "" {
		return market.InvalidParameterf("liquidation asset is empty")
	}
	if rec.Timestamp.IsZero() {
		return market.InvalidParameterf("liquidation for %s has no timestamp", rec.Asset)
	}
	if rec.Notional.IsNegative() {
		return market.InvalidParameterf("liquidation for %s has negative notional", rec.Asset)
	}
	return nil
}

func (s *Store) appendLiquidations(records []market.LiquidationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]market.LiquidationRecord, 0, len(s.liqs)+len(records))
	next = append(next, s.liqs...)
	for _, rec := range records {
		s.seq++
		rec.Asset = market.NormalizeAsset(rec.Asset)
		rec.Seq = s.seq
		next = append(next, rec)
	}

	newest := next[0].Timestamp
	for _, rec := range next {
		if rec.Timestamp.After(newest) {
			newest = rec.Timestamp
		}
	}
	cutoff := newest.Add(-s.opts.LiquidationRetention)
	kept := next[:0]
	for _, rec := range next {
		if !rec.Timestamp.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	s.liqs = kept
}

// Liquidations returns records at or after since, ascending by timestamp and then
// by insertion order.
func (s *Store) Liquidations(since time.Time) []market.LiquidationRecord {
	s.mu.RLock()
	out := make([]market.LiquidationRecord, 0, len(s.liqs))
	for _, rec := range s.liqs {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Counts reports how many points each metric currently holds across assets.
func (s *Store) Counts() map[market.Metric]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[market.Metric]int, len(market.Metrics))
	for key, points := range s.series {
		counts[key.metric] += len(points)
	}
	return counts
}

// LiquidationCount reports the size of the liquidation log.
func (s *Store) LiquidationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.liqs)
}
