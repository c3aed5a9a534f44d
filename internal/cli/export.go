package cli

import (
	"github.com/spf13/cobra"

	"cgm-ingest/internal/app"
)

var (
	exportSource   string
	exportTarget   string
	exportState    string
	exportOutput   string
	exportPageSize int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Incrementally export readings newer than the stored watermark",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			Source:     exportSource,
			Target:     exportTarget,
			StateFile:  exportState,
			OutputFile: exportOutput,
			PageSize:   exportPageSize,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSource, "source", "", "Store to read from: postgres or redis (defaults to config)")
	exportCmd.Flags().StringVar(&exportTarget, "target", "", "Store to copy into: postgres, redis or none (defaults to config)")
	exportCmd.Flags().StringVar(&exportState, "state-file", "", "Watermark file (defaults to config)")
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "BSON output file (defaults to config)")
	exportCmd.Flags().IntVar(&exportPageSize, "page-size", 0, "Records per page (defaults to config)")
}
