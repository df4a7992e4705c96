package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"perp-signal-alerts/internal/app"
)

var (
	simulateUser  int64
	simulateKind  string
	simulateAsset string
	simulateValue float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic event through the alert pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateUser <= 0 {
			return errors.New("--user must be a positive chat id")
		}
		if simulateAsset == "" {
			return errors.New("--asset must be provided")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			UserID: simulateUser,
			Kind:   simulateKind,
			Asset:  simulateAsset,
			Value:  decimal.NewFromFloat(simulateValue),
		})
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateUser, "user", 0, "Telegram chat id that receives the alert")
	simulateCmd.Flags().StringVar(&simulateKind, "kind", "volume_spike", "Event kind")
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "BTC", "Asset symbol")
	simulateCmd.Flags().Float64Var(&simulateValue, "value", 1, "Event value")
}
