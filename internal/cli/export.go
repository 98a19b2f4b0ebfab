package cli

import (
	"github.com/spf13/cobra"

	"coindrift/internal/app"
)

var (
	exportCSVPath string
	exportPNGPath string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export today's drift report as CSV and/or a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			CSVPath: exportCSVPath,
			PNGPath: exportPNGPath,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Write the drift report to this CSV file")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Render the drift chart to this PNG file")
}
