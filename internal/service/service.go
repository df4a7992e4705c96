package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"perp-signal-alerts/internal/alerting"
	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/fetcher"
	"perp-signal-alerts/internal/market"
	"perp-signal-alerts/internal/metrics"
	"perp-signal-alerts/internal/scheduler"
	"perp-signal-alerts/internal/snapshot"
	"perp-signal-alerts/internal/storage"
)

// ErrCycleInFlight is returned by RunCycle while another cycle is still running.
var ErrCycleInFlight = errors.New("cycle already in flight")

// Options wires the orchestrator's collaborators. Store, Detectors and Registry
// are required; everything else is optional.
type Options struct {
	Store     *snapshot.Store
	Detectors detector.Set
	Registry  *alerting.Registry
	Notifier  alerting.Notifier
	Sources   []fetcher.Source
	Scheduler *scheduler.Scheduler

	// History persists fetched data and seeds the store on Warmup.
	History storage.SnapshotStore
	// HistoryTTL prunes persisted history older than this; zero keeps everything.
	HistoryTTL time.Duration
	Deliveries storage.DeliveryStore

	Clock func() time.Time
}

// Service orchestrates fetching, detection, alerting and delivery.
type Service struct {
	opts      Options
	detectors []detector.Detector
	logger    zerolog.Logger
	inFlight  atomic.Bool
}

// New constructs the orchestrator.
func New(opts Options, logger zerolog.Logger) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("snapshot store not configured")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("alert registry not configured")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger = logger.With().Str("component", "service").Logger()
	if opts.Notifier == nil {
		opts.Notifier = alerting.NewLogNotifier(logger)
	}
	return &Service{opts: opts, detectors: opts.Detectors.All(), logger: logger}, nil
}

// Store exposes the snapshot store for read-only callers such as the export command.
func (s *Service) Store() *snapshot.Store { return s.opts.Store }

// Run begins the scheduled fetch-evaluate loop.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.opts.Scheduler.Run(ctx, s.tick)
}

func (s *Service) tick(ctx context.Context, bucket time.Time) error {
	err := s.RunCycle(ctx, bucket)
	if errors.Is(err, ErrCycleInFlight) {
		s.logger.Warn().Time("bucket", bucket).Msg("skip tick because a cycle is still running")
		return nil
	}
	return err
}

// Warmup seeds the in-memory store from persisted history covering the store's
// retention window.
func (s *Service) Warmup(ctx context.Context) (int, error) {
	if s.opts.History == nil {
		return 0, nil
	}
	now := s.opts.Clock().UTC()
	from := now.Add(-s.opts.Store.Retention())

	loaded := 0
	for _, metric := range market.Metrics {
		snaps, err := s.opts.History.ListSnapshotsBetween(ctx, metric, "", from, now.Add(time.Nanosecond))
		if err != nil {
			return loaded, fmt.Errorf("load %s history: %w", metric, err)
		}
		n, err := s.opts.Store.RecordBatch(snaps)
		loaded += n
		if err != nil {
			s.logger.Debug().Err(err).Str("metric", string(metric)).Msg("some history points were rejected")
		}
	}
	s.updateStoreGauges()
	s.logger.Info().Int("points", loaded).Time("from", from).Msg("store warmed up from history")
	return loaded, nil
}

// RunCycle executes one fetch-record-evaluate-deliver pass for tick. Only one cycle
// runs at a time; a concurrent caller receives ErrCycleInFlight. Source failures
// are reported as ErrUpstreamUnavailable after the remaining sources were processed.
func (s *Service) RunCycle(ctx context.Context, tick time.Time) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInFlight
	}
	defer s.inFlight.Store(false)

	started := time.Now()
	status := "ok"
	defer func() {
		metrics.CyclesTotal.WithLabelValues(status).Inc()
		metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}()

	tick = tick.UTC()
	var fetchErrs []error
	for _, src := range s.opts.Sources {
		batch, err := s.fetch(ctx, src, tick)
		if err != nil {
			fetchErrs = append(fetchErrs, err)
			continue
		}
		s.record(ctx, src.Name(), batch)
	}
	s.pruneHistory(ctx, tick)
	s.updateStoreGauges()

	deliveries, err := s.EvaluateAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Time("tick", tick).Msg("detector failures during cycle")
	}
	sent := s.Deliver(ctx, deliveries)

	s.logger.Info().
		Time("tick", tick).
		Int("deliveries", len(deliveries)).
		Int("sent", sent).
		Int("source_failures", len(fetchErrs)).
		Msg("cycle complete")

	if len(fetchErrs) > 0 {
		status = "partial"
		if len(fetchErrs) == len(s.opts.Sources) {
			status = "error"
		}
		return errors.Join(fetchErrs...)
	}
	return nil
}

func (s *Service) fetch(ctx context.Context, src fetcher.Source, tick time.Time) (fetcher.Batch, error) {
	started := time.Now()
	batch, err := src.Fetch(ctx, tick)
	metrics.FetchDuration.WithLabelValues(src.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.FetchTotal.WithLabelValues(src.Name(), "error").Inc()
		s.logger.Error().Err(err).Str("source", src.Name()).Msg("fetch failed")
		if !errors.Is(err, market.ErrUpstreamUnavailable) {
			err = market.Upstreamf(err, "source %s", src.Name())
		}
		return fetcher.Batch{}, err
	}
	metrics.FetchTotal.WithLabelValues(src.Name(), "ok").Inc()
	return batch, nil
}

func (s *Service) record(ctx context.Context, source string, batch fetcher.Batch) {
	accepted, err := s.opts.Store.RecordBatch(batch.Snapshots)
	if err != nil {
		s.logger.Warn().Err(err).Str("source", source).Int("accepted", accepted).Msg("store rejected snapshots")
	}
	if err := s.opts.Store.AppendLiquidations(batch.Liquidations); err != nil {
		s.logger.Warn().Err(err).Str("source", source).Msg("store rejected some liquidations")
	}

	if s.opts.History == nil {
		return
	}
	if len(batch.Snapshots) > 0 {
		if err := s.opts.History.InsertSnapshots(ctx, batch.Snapshots); err != nil {
			s.logger.Error().Err(err).Str("source", source).Msg("failed to persist snapshots")
		}
	}
	if len(batch.Liquidations) > 0 {
		if err := s.opts.History.InsertLiquidations(ctx, batch.Liquidations); err != nil {
			s.logger.Error().Err(err).Str("source", source).Msg("failed to persist liquidations")
		}
	}
}

func (s *Service) pruneHistory(ctx context.Context, tick time.Time) {
	if s.opts.History == nil || s.opts.HistoryTTL <= 0 {
		return
	}
	removed, err := s.opts.History.DeleteSnapshotsBefore(ctx, tick.Add(-s.opts.HistoryTTL))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to prune history")
		return
	}
	if removed > 0 {
		s.logger.Debug().Int64("removed", removed).Msg("pruned persisted history")
	}
}

// Deliver sends every delivery through the notifier and records the outcome. It
// returns how many were sent successfully.
func (s *Service) Deliver(ctx context.Context, deliveries []alerting.Delivery) int {
	sent := 0
	for _, d := range deliveries {
		kind := string(d.Event.Kind)
		err := s.opts.Notifier.Notify(ctx, d)
		if err != nil {
			metrics.AlertsFailedTotal.WithLabelValues(kind).Inc()
			s.logger.Error().Err(err).
				Int64("user_id", d.UserID).
				Str("rule_id", d.RuleID).
				Str("kind", kind).
				Str("asset", d.Event.Asset).
				Msg("failed to dispatch alert")
		} else {
			sent++
			metrics.AlertsSentTotal.WithLabelValues(kind).Inc()
		}

		if s.opts.Deliveries != nil {
			if _, perr := s.opts.Deliveries.InsertDelivery(ctx, storage.NewDeliveryRecord(d, err)); perr != nil {
				s.logger.Error().Err(perr).Str("rule_id", d.RuleID).Msg("failed to persist delivery record")
			}
		}
	}
	return sent
}

func (s *Service) updateStoreGauges() {
	counts := s.opts.Store.Counts()
	for _, m := range market.Metrics {
		metrics.StorePoints.WithLabelValues(string(m)).Set(float64(counts[m]))
	}
	metrics.StoreLiquidations.Set(float64(s.opts.Store.LiquidationCount()))
}
