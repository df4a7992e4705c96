package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/alerting"
	"perp-signal-alerts/internal/detector"
	"perp-signal-alerts/internal/market"
)

// SimulateOptions describe a synthetic event.
type SimulateOptions struct {
	UserID int64
	Kind   string
	Asset  string
	Value  decimal.Decimal
}

// SimulateAlert routes a synthetic event through a throwaway registry and the
// configured notifier.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	kind, err := detector.ParseKind(opts.Kind)
	if err != nil {
		return err
	}
	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}

	registry := alerting.NewRegistry(alerting.Options{Cooldown: a.Config.Alerting.Cooldown}, a.Logger)
	if _, err := registry.Register(ctx, alerting.Rule{
		UserID:    opts.UserID,
		Kind:      kind,
		Asset:     opts.Asset,
		Threshold: opts.Value,
		Direction: alerting.DirectionAbove,
	}); err != nil {
		return err
	}

	event := detector.Event{
		Kind:       kind,
		Asset:      market.NormalizeAsset(opts.Asset),
		Severity:   detector.SeverityInfo,
		Value:      opts.Value,
		Payload:    map[string]decimal.Decimal{detector.PayloadChangePct: opts.Value},
		Labels:     map[string]string{"source": "simulation"},
		DetectedAt: time.Now().UTC(),
	}

	deliveries := registry.Evaluate(ctx, []detector.Event{event})
	if len(deliveries) == 0 {
		return fmt.Errorf("simulated %s event did not match", kind)
	}
	for _, d := range deliveries {
		if err := notifier.Notify(ctx, d); err != nil {
			return err
		}
	}
	a.Logger.Info().Str("kind", string(kind)).Str("asset", event.Asset).Msg("simulated alert delivered")
	return nil
}
