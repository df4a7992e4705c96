package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"perp-signal-alerts/internal/alerting"
	"perp-signal-alerts/internal/detector"
)

// AlertOptions describe a rule added from the command line.
type AlertOptions struct {
	UserID    int64
	Kind      string
	Asset     string
	Threshold decimal.Decimal
	Direction string
}

// withRuleRegistry opens the database and loads persisted rules.
func (a *App) withRuleRegistry(ctx context.Context, fn func(*alerting.Registry) error) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; rules cannot be persisted")
	}
	defer closeStore()

	registry := alerting.NewRegistry(alerting.Options{
		Cooldown: a.Config.Alerting.Cooldown,
		Store:    store,
	}, a.Logger)
	if err := registry.Load(ctx); err != nil {
		return err
	}
	return fn(registry)
}

// AddAlert persists a new rule and prints its id.
func (a *App) AddAlert(ctx context.Context, out io.Writer, opts AlertOptions) error {
	kind, err := detector.ParseKind(opts.Kind)
	if err != nil {
		return err
	}
	direction, err := alerting.ParseDirection(opts.Direction)
	if err != nil {
		return err
	}
	return a.withRuleRegistry(ctx, func(r *alerting.Registry) error {
		id, err := r.Register(ctx, alerting.Rule{
			UserID:    opts.UserID,
			Kind:      kind,
			Asset:     opts.Asset,
			Threshold: opts.Threshold,
			Direction: direction,
		})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, id)
		return err
	})
}

// ListAlerts prints the persisted rules of userID, or every rule when it is zero.
func (a *App) ListAlerts(ctx context.Context, out io.Writer, userID int64) error {
	return a.withRuleRegistry(ctx, func(r *alerting.Registry) error {
		return writeRules(out, r.Rules(userID))
	})
}

// RemoveAlert deletes a persisted rule.
func (a *App) RemoveAlert(ctx context.Context, id string) error {
	return a.withRuleRegistry(ctx, func(r *alerting.Registry) error {
		return r.Remove(ctx, id)
	})
}

func writeRules(out io.Writer, rules []alerting.Rule) error {
	if len(rules) == 0 {
		_, err := fmt.Fprintln(out, "no rules found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tUser\tKind\tAsset\tDirection\tThreshold\tLast fired (UTC)")
	for _, rule := range rules {
		asset := rule.Asset
		if asset == "" {
			asset = "*"
		}
		lastFired := "-"
		if rule.LastFiredAt != nil {
			lastFired = rule.LastFiredAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			rule.ID, rule.UserID, rule.Kind, asset, rule.Direction, rule.Threshold.String(), lastFired)
	}
	return writer.Flush()
}
