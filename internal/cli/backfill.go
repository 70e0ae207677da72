package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"holder-indexer/internal/app"
)

var (
	backfillSeries  []string
	backfillMaxDays int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Index missed day windows until caught up",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillMaxDays < 0 {
			return fmt.Errorf("--max-days cannot be negative")
		}

		opts := app.BackfillOptions{
			Series:  backfillSeries,
			MaxDays: backfillMaxDays,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringSliceVar(&backfillSeries, "series", nil, "Series to backfill (defaults to all configured)")
	backfillCmd.Flags().IntVar(&backfillMaxDays, "max-days", 0, "Maximum windows to commit per series (0 means until caught up)")
}
