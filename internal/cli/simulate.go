package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var simulatePct float64

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次 in-range 百分比并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePct < 0 || simulatePct > 100 {
			return errors.New("--pct 必须在 0 到 100 之间")
		}
		return getApp().SimulateAlert(cmd.Context(), decimal.NewFromFloat(simulatePct))
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulatePct, "pct", 50, "模拟的 in-range 百分比")
}
