package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"perp-signal-alerts/internal/storage"
)

// Show prints recently delivered alerts.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show deliveries")
	}
	defer closeStore()

	records, err := store.ListRecentDeliveries(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if total, err := store.CountSnapshots(ctx); err == nil {
		a.Logger.Info().Int64("snapshots", total).Msg("persisted history size")
	}
	return writeDeliveries(out, records)
}

func writeDeliveries(out io.Writer, records []storage.DeliveryRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no deliveries found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected (UTC)\tUser\tKind\tAsset\tSeverity\tValue\tStatus\tError")

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.DetectedAt.UTC().Format(time.RFC3339),
			rec.UserID,
			rec.Kind,
			rec.Asset,
			rec.Severity,
			formatDecimal(rec.Value, 4),
			rec.Status,
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
