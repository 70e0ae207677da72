package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"holder-indexer/internal/config"
	"holder-indexer/internal/storage"
)

// Show prints the snapshots of a series and, for holder series, the current
// holder set size.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	sc, ok := a.Config.FindSeries(opts.Series)
	if !ok {
		return fmt.Errorf("unknown series %q (configured: %v)", opts.Series, a.Config.SeriesNames())
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	from, to := snapshotRange(sc, opts.From, opts.To)
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, sc.Name, from, to)
	if err != nil {
		return err
	}
	if opts.Limit > 0 && len(snapshots) > opts.Limit {
		snapshots = snapshots[len(snapshots)-opts.Limit:]
	}

	if err := printSnapshots(os.Stdout, sc, snapshots); err != nil {
		return err
	}

	if sc.Kind == config.KindHolders {
		count, err := store.CountHolders(ctx, sc.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "\ncurrent holders: %d\n", count)
	}
	return nil
}

// ShowHolders prints the holder set of a series.
func (a *App) ShowHolders(ctx context.Context, series string) error {
	sc, ok := a.Config.FindSeries(series)
	if !ok {
		return fmt.Errorf("unknown series %q (configured: %v)", series, a.Config.SeriesNames())
	}
	if sc.Kind != config.KindHolders {
		return fmt.Errorf("series %q does not track holders", series)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	holders, err := store.ListHolders(ctx, sc.Name)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Address\tSince (UTC)")
	for _, h := range holders {
		fmt.Fprintf(writer, "%s\t%s\n", h.Address, h.CreatedAt.UTC().Format(time.RFC3339))
	}
	return writer.Flush()
}

func printSnapshots(out io.Writer, sc config.SeriesConfig, snapshots []storage.DailySnapshot) error {
	if len(snapshots) == 0 {
		_, err := fmt.Fprintf(out, "no snapshots found for %s\n", sc.Name)
		return err
	}

	label := "Holders"
	if sc.Kind == config.KindTVL {
		label = "Locked"
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Day (UTC)\t%s\tChange\n", label)
	for i, snap := range snapshots {
		change := ""
		if i > 0 {
			change = signed(snap.Amount.Sub(snapshots[i-1].Amount).String())
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", snap.Day.Format(config.DateLayout), snap.Amount.String(), change)
	}
	return writer.Flush()
}

// snapshotRange defaults to the whole history of sc up to tomorrow.
func snapshotRange(sc config.SeriesConfig, from, to *time.Time) (time.Time, time.Time) {
	start := sc.Epoch.UTC()
	end := time.Now().UTC().Truncate(24 * time.Hour).Add(48 * time.Hour)
	if from != nil {
		start = from.UTC()
	}
	if to != nil {
		end = to.UTC()
	}
	return start, end
}

func signed(v string) string {
	if v == "0" || v[0] == '-' {
		return v
	}
	return "+" + v
}
