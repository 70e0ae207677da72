package app

import (
	"context"
	"errors"
	"fmt"

	"holder-indexer/internal/indexer"
	"holder-indexer/internal/service"
)

// Backfill walks each series forward window by window until it is caught up
// or MaxDays windows were committed.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.MaxDays < 0 {
		return errors.New("max days cannot be negative")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if _, err := store.Migrate(ctx); err != nil {
		return err
	}

	chain, closeChain := a.newChain()
	defer closeChain()

	runners, err := a.newIndexers(chain, store, opts.Series...)
	if err != nil {
		return err
	}
	return a.backfill(ctx, runners, opts.MaxDays)
}

func (a *App) backfill(ctx context.Context, runners []service.Runner, maxDays int) error {
	svc := service.New(a.serviceOptions(), nil, nil, runners, a.Logger)

	failed := 0
	for _, r := range runners {
		name := r.Series().Name
		committed, err := svc.RunUntilCaughtUp(ctx, name, maxDays)
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("series", name).Int("committed", committed).Msg("backfill stopped")
			continue
		}

		caughtUp, err := r.CaughtUp(ctx)
		if err != nil {
			return err
		}
		a.Logger.Info().Str("series", name).Int("committed", committed).Bool("caught_up", caughtUp).Msg("backfill finished")
	}

	if failed > 0 {
		return fmt.Errorf("backfill failed for %d series, check logs", failed)
	}
	return nil
}

var _ service.Runner = (*indexer.Indexer)(nil)
