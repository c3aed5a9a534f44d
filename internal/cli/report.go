package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cgm-ingest/internal/app"
)

var (
	reportFrom      string
	reportTo        string
	reportPNGPath   string
	reportCSVPath   string
	reportMaxPoints int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render stored readings as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReportOptions{
			PNGPath:   reportPNGPath,
			CSVPath:   reportCSVPath,
			MaxPoints: reportMaxPoints,
		}

		if reportFrom != "" {
			from, err := time.Parse(time.RFC3339, reportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if reportTo != "" {
			to, err := time.Parse(time.RFC3339, reportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Report(cmd.Context(), opts)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	reportCmd.Flags().StringVar(&reportPNGPath, "png", "", "Path to write PNG chart")
	reportCmd.Flags().StringVar(&reportCSVPath, "csv", "", "Path to write CSV data")
	reportCmd.Flags().IntVar(&reportMaxPoints, "max-points", 0, "Maximum data points to render (defaults to config)")
}

var showLimit int

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently stored readings with their in-range flag",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 || showLimit > 10000 {
			return fmt.Errorf("--limit must be within [1, 10000]")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit})
	},
}

func init() {
	showCmd.Flags().IntVarP(&showLimit, "limit", "n", 20, "Number of readings to display")
}
