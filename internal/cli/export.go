package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"holder-indexer/internal/app"
	"holder-indexer/internal/config"
)

var (
	exportSeries    string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export daily snapshots as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportSeries == "" {
			return fmt.Errorf("--series must be provided")
		}

		from, err := parseDay("--from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseDay("--to", exportTo)
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			Series:    exportSeries,
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSeries, "series", "", "Series name")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First day (YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last day (YYYY-MM-DD, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (0 for all)")
}

func parseDay(flag, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(config.DateLayout, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return &t, nil
}
