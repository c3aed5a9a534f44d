package cli

import (
	"github.com/spf13/cobra"

	"cgm-ingest/internal/app"
)

var (
	importGraph   string
	importLogbook string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Ingest saved LibreLinkUp graph/logbook responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Import(cmd.Context(), app.ImportOptions{
			GraphFile:   importGraph,
			LogbookFile: importLogbook,
		})
	},
}

func init() {
	importCmd.Flags().StringVar(&importGraph, "graph", "", "Path to a saved graph response")
	importCmd.Flags().StringVar(&importLogbook, "logbook", "", "Path to a saved logbook response")
}
