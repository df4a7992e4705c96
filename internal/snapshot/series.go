package snapshot

import (
	"iter"
	"time"

	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/market"
)

// Series is an ordered, immutable copy of one (asset, metric) history.
type Series []market.Snapshot

// Len returns the number of points.
func (s Series) Len() int { return len(s) }

// First returns the oldest point.
func (s Series) First() (market.Snapshot, bool) {
	if len(s) == 0 {
		return market.Snapshot{}, false
	}
	return s[0], true
}

// Last returns the newest point.
func (s Series) Last() (market.Snapshot, bool) {
	if len(s) == 0 {
		return market.Snapshot{}, false
	}
	return s[len(s)-1], true
}

// Values returns the values in timestamp order.
func (s Series) Values() []decimal.Decimal {
	out := make([]decimal.Decimal, len(s))
	for i, snap := range s {
		out[i] = snap.Value
	}
	return out
}

// All yields (timestamp, value) pairs. The sequence can be replayed any number of
// times because Series never changes after it is handed out.
func (s Series) All() iter.Seq2[time.Time, decimal.Decimal] {
	return func(yield func(time.Time, decimal.Decimal) bool) {
		for _, snap := range s {
			if !yield(snap.Timestamp, snap.Value) {
				return
			}
		}
	}
}
