package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"holder-indexer/internal/app"
)

var (
	showSeries  string
	showFrom    string
	showTo      string
	showLimit   int
	showHolders bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display daily snapshots of a series",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showSeries == "" {
			return fmt.Errorf("--series must be provided")
		}
		if showHolders {
			return getApp().ShowHolders(cmd.Context(), showSeries)
		}
		if showLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}

		from, err := parseDay("--from", showFrom)
		if err != nil {
			return err
		}
		to, err := parseDay("--to", showTo)
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			Series: showSeries,
			From:   from,
			To:     to,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showSeries, "series", "", "Series name")
	showCmd.Flags().StringVar(&showFrom, "from", "", "First day (YYYY-MM-DD, inclusive)")
	showCmd.Flags().StringVar(&showTo, "to", "", "Last day (YYYY-MM-DD, exclusive)")
	showCmd.Flags().IntVar(&showLimit, "limit", 30, "Number of most recent snapshots to display (0 for all)")
	showCmd.Flags().BoolVar(&showHolders, "holders", false, "List the current holder set instead of snapshots")
}
