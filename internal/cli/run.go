package cli

import (
	"github.com/spf13/cobra"

	"holder-indexer/internal/app"
)

var (
	runSeries   []string
	runHTTPAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled indexing service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{
			Series:   runSeries,
			HTTPAddr: runHTTPAddr,
		})
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runSeries, "series", nil, "Series to index (defaults to all configured)")
	runCmd.Flags().StringVar(&runHTTPAddr, "http-addr", "", "Override http.addr for the read-only API")
}
