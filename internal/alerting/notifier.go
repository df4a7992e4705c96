package alerting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"perp-signal-alerts/internal/detector"
)

// Notifier delivers a matched event to its user.
type Notifier interface {
	Notify(ctx context.Context, delivery Delivery) error
}

// LogNotifier writes deliveries to the log. It stands in when no chat channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the delivery.
func (n *LogNotifier) Notify(_ context.Context, d Delivery) error {
	n.logger.Info().Int64("user_id", d.UserID).
		Str("rule_id", d.RuleID).
		Str("kind", string(d.Event.Kind)).
		Str("asset", d.Event.Asset).
		Str("severity", string(d.Event.Severity)).
		Str("value", d.Event.Value.String()).
		Time("detected_at", d.Event.DetectedAt).
		Msg("alert delivered (log)")
	return nil
}

var _ Notifier = (*LogNotifier)(nil)

var kindTitles = map[detector.Kind]string{
	detector.KindFunding:     "Funding",
	detector.KindLiquidation: "Liquidation cascade",
	detector.KindOISpike:     "Open interest spike",
	detector.KindVolumeSpike: "Volume spike",
	detector.KindDivergence:  "Volume/price divergence",
}

// RenderMessage formats a delivery as plain text.
func RenderMessage(d Delivery) string {
	ev := d.Event
	title, ok := kindTitles[ev.Kind]
	if !ok {
		title = string(ev.Kind)
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s %s\n", strings.ToUpper(string(ev.Severity)), title, ev.Asset))
	builder.WriteString(fmt.Sprintf("Value: %s\n", ev.Value.StringFixed(4)))

	labels := make([]string, 0, len(ev.Labels))
	for k := range ev.Labels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	for _, k := range labels {
		builder.WriteString(fmt.Sprintf("%s: %s\n", k, ev.Labels[k]))
	}

	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		builder.WriteString(fmt.Sprintf("%s: %s\n", k, ev.Payload[k].StringFixed(4)))
	}

	builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", ev.DetectedAt.UTC().Format(time.RFC3339)))
	if d.RuleID != "" {
		builder.WriteString(fmt.Sprintf("Rule: %s", d.RuleID))
	}
	return builder.String()
}
