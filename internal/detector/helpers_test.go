package detector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"perp-signal-alerts/internal/market"
	"perp-signal-alerts/internal/snapshot"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *snapshot.Store, asset string, metric market.Metric, step time.Duration, values ...float64) {
	t.Helper()
	for i, v := range values {
		require.NoError(t, store.Record(market.Snapshot{
			Asset:     asset,
			Metric:    metric,
			Value:     decimal.NewFromFloat(v),
			Timestamp: t0.Add(time.Duration(i) * step),
		}))
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func filterSignal(events []Event, signal string) []Event {
	var out []Event
	for _, e := range events {
		if e.Labels[LabelSignal] == signal {
			out = append(out, e)
		}
	}
	return out
}
