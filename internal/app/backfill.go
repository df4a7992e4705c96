package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"perp-signal-alerts/internal/fetcher"
	"perp-signal-alerts/internal/market"
	"perp-signal-alerts/internal/storage"
)

// fundingPageLimit is the most entries the venue returns per fundingHistory call.
const fundingPageLimit = 500

// Backfill loads historical funding rates into the database.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	from, to := opts.From.UTC(), opts.To.UTC()
	if !from.Before(to) {
		return errors.New("backfill range is empty, check --from/--to")
	}

	var sink storage.SnapshotStore
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot backfill")
		}
		defer closeStore()
		sink = store
	}

	hl := a.newHyperliquid()
	assets, err := a.backfillAssets(ctx, hl, opts.Assets)
	if err != nil {
		return err
	}
	return a.backfillFunding(ctx, hl, sink, assets, from, to, opts.Workers)
}

func (a *App) backfillAssets(ctx context.Context, src fetcher.Source, requested []string) ([]string, error) {
	assets := lo.Uniq(lo.Filter(lo.Map(requested, func(s string, _ int) string {
		return market.NormalizeAsset(s)
	}), func(s string, _ int) bool { return s != "" }))
	if len(assets) > 0 {
		return assets, nil
	}

	batch, err := src.Fetch(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	funding := lo.Filter(batch.Snapshots, func(s market.Snapshot, _ int) bool {
		return s.Metric == market.MetricFunding
	})
	return lo.Uniq(lo.Map(funding, func(s market.Snapshot, _ int) string { return s.Asset })), nil
}

func (a *App) backfillFunding(ctx context.Context, hl fetcher.FundingHistorySource, sink storage.SnapshotStore, assets []string, from, to time.Time, workers int) error {
	workers = max(workers, 1)
	sem := make(chan struct{}, workers)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
		points    int
		failed    []string
	)
	for _, asset := range assets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			n, err := a.backfillAsset(ctx, hl, sink, asset, from, to)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, asset)
				a.Logger.Error().Err(err).Str("asset", asset).Msg("backfill failed")
				return
			}
			processed++
			points += n
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	a.Logger.Info().
		Int("assets", processed).
		Int("points", points).
		Int("failed", len(failed)).
		Msg("backfill complete")
	if len(failed) > 0 {
		return fmt.Errorf("backfill failed for %d assets: %v", len(failed), failed)
	}
	return nil
}

// backfillAsset pages through funding history until the range is covered.
func (a *App) backfillAsset(ctx context.Context, hl fetcher.FundingHistorySource, sink storage.SnapshotStore, asset string, from, to time.Time) (int, error) {
	total := 0
	cursor := from
	for cursor.Before(to) {
		page, err := hl.FetchFundingHistory(ctx, asset, cursor, to)
		if err != nil {
			return total, err
		}
		snaps := lo.Filter(page, func(s market.Snapshot, _ int) bool {
			return !s.Timestamp.Before(cursor) && s.Timestamp.Before(to)
		})
		if len(snaps) == 0 {
			break
		}
		if sink != nil {
			if err := sink.InsertSnapshots(ctx, snaps); err != nil {
				return total, err
			}
		}
		total += len(snaps)

		last := snaps[len(snaps)-1].Timestamp
		if len(page) < fundingPageLimit || !last.After(cursor) {
			break
		}
		cursor = last.Add(time.Millisecond)
	}
	a.Logger.Debug().Str("asset", asset).Int("points", total).Msg("asset backfilled")
	return total, nil
}
