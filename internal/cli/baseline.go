package cli

import (
	"github.com/spf13/cobra"
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Capture a fresh baseline snapshot now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Baseline(cmd.Context())
	},
}
