package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perp-signal-alerts/internal/alerting"
	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/metrics"
)

// DetectorFailure records a detector that returned an error or panicked.
type DetectorFailure struct {
	Detector string
	Err      error
}

func (f DetectorFailure) Error() string {
	return fmt.Sprintf("detector %s: %v", f.Detector, f.Err)
}

func (f DetectorFailure) Unwrap() error { return f.Err }

// Report is the outcome of one detection round.
type Report struct {
	EvaluatedAt time.Time
	Events      []detector.Event
	Failures    []DetectorFailure
}

// Err joins the failures, nil when every detector succeeded.
func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Detect runs every configured detector in parallel against the store. A failing
// detector is reported and does not affect the others. Events are sorted.
func (s *Service) Detect(ctx context.Context) Report {
	now := s.opts.Clock().UTC()
	detectors := s.detectors

	type result struct {
		events  []detector.Event
		failure *DetectorFailure
	}
	results := make([]result, len(detectors))

	var wg sync.WaitGroup
	for i, d := range detectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := s.runDetector(ctx, d, now)
			if err != nil {
				results[i].failure = &DetectorFailure{Detector: d.Name(), Err: err}
				return
			}
			results[i].events = events
		}()
	}
	wg.Wait()

	report := Report{EvaluatedAt: now}
	for i, res := range results {
		name := detectors[i].Name()
		if res.failure != nil {
			metrics.DetectorFailuresTotal.WithLabelValues(name).Inc()
			s.logger.Error().Err(res.failure.Err).Str("detector", name).Msg("detector failed")
			report.Failures = append(report.Failures, *res.failure)
			continue
		}
		for _, ev := range res.events {
			metrics.DetectorEventsTotal.WithLabelValues(name, string(ev.Severity)).Inc()
		}
		report.Events = append(report.Events, res.events...)
	}
	detector.SortEvents(report.Events)
	return report
}

func (s *Service) runDetector(ctx context.Context, d detector.Detector, now time.Time) (events []detector.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Evaluate(ctx, s.opts.Store, now)
}

// EvaluateAll runs every detector and passes the combined events through the
// alert registry. Deliveries from healthy detectors are returned together with
// the joined detector failures.
func (s *Service) EvaluateAll(ctx context.Context) ([]alerting.Delivery, error) {
	report := s.Detect(ctx)
	deliveries := s.opts.Registry.Evaluate(ctx, report.Events)
	s.logger.Debug().
		Int("events", len(report.Events)).
		Int("deliveries", len(deliveries)).
		Int("failures", len(report.Failures)).
		Msg("evaluation complete")
	return deliveries, report.Err()
}
