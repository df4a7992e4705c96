package cli

import (
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"perp-signal-alerts/internal/app"
)

var (
	alertUser      int64
	alertKind      string
	alertAsset     string
	alertThreshold string
	alertDirection string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage persisted alert rules",
}

var alertsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an alert rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := decimal.NewFromString(alertThreshold)
		if err != nil {
			return err
		}
		return getApp().AddAlert(cmd.Context(), cmd.OutOrStdout(), app.AlertOptions{
			UserID:    alertUser,
			Kind:      alertKind,
			Asset:     alertAsset,
			Threshold: threshold,
			Direction: alertDirection,
		})
	},
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context(), cmd.OutOrStdout(), alertUser)
	},
}

var alertsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an alert rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RemoveAlert(cmd.Context(), args[0])
	},
}

func init() {
	alertsAddCmd.Flags().Int64Var(&alertUser, "user", 0, "Telegram chat id that owns the rule")
	alertsAddCmd.Flags().StringVar(&alertKind, "kind", "", "Event kind: funding, liquidation, oi, volume or divergence")
	alertsAddCmd.Flags().StringVar(&alertAsset, "asset", "", "Asset symbol (empty matches every asset)")
	alertsAddCmd.Flags().StringVar(&alertThreshold, "threshold", "0", "Threshold compared with the event value")
	alertsAddCmd.Flags().StringVar(&alertDirection, "direction", "above", "above, below or change_percent")
	_ = alertsAddCmd.MarkFlagRequired("user")
	_ = alertsAddCmd.MarkFlagRequired("kind")

	alertsListCmd.Flags().Int64Var(&alertUser, "user", 0, "Only list rules of this chat id")

	alertsCmd.AddCommand(alertsAddCmd, alertsListCmd, alertsRemoveCmd)
}
