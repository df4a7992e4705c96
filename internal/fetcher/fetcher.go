package fetcher

import (
	"context"
	"time"

	"perp-signal-alerts/internal/market"
)

// Batch is what one source returned for one tick.
type Batch struct {
	Snapshots    []market.Snapshot
	Liquidations []market.LiquidationRecord
}

// Source produces market data for a tick. Snapshots are stamped with at so that
// every metric of a tick shares one timestamp.
type Source interface {
	Name() string
	Fetch(ctx context.Context, at time.Time) (Batch, error)
}

// FundingHistorySource serves historical funding rates for backfill.
type FundingHistorySource interface {
	FetchFundingHistory(ctx context.Context, asset string, start, end time.Time) ([]market.Snapshot, error)
}
