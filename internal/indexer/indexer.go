package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"holder-indexer/internal/config"
	"holder-indexer/internal/fetcher"
	"holder-indexer/internal/storage"
)

// ErrWindowNotReady means the next window has not fully elapsed yet.
var ErrWindowNotReady = errors.New("window not ready")

// State names a step of one indexing pass.
type State string

const (
	StateIdle                   State = "idle"
	StateResolvingWindow        State = "resolving_window"
	StateFetchingTransactions   State = "fetching_transactions"
	StateClassifyingAndMutating State = "classifying_and_mutating"
	StateCommitting             State = "committing"
	StateBackoff                State = "backoff"
)

// Status is the outcome of a pass that did not fail.
type Status string

const (
	StatusNotReady         Status = "not_ready"
	StatusAlreadyCommitted Status = "already_committed"
	StatusCommitted        Status = "committed"
)

// PersistenceError reports a failed database read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the persistence the indexer needs.
type Store interface {
	LatestSnapshot(ctx context.Context, series string) (storage.DailySnapshot, bool, error)
	SnapshotExists(ctx context.Context, series string, day time.Time) (bool, error)
	InsertSnapshotIfAbsent(ctx context.Context, snap storage.DailySnapshot) (bool, error)
	HolderExists(ctx context.Context, series, address string) (bool, error)
	ApplyHolderChanges(ctx context.Context, series string, changes storage.HolderChanges) error
	CountHolders(ctx context.Context, series string) (int64, error)
}

// Series describes what is indexed and how.
type Series struct {
	Name             string
	Kind             string
	Contract         string
	HolderAddress    string
	Epoch            time.Time
	Threshold        decimal.Decimal
	Decimals         int32
	FunctionPrefixes []string
}

// SeriesFromConfig converts a configured series.
func SeriesFromConfig(cfg config.SeriesConfig) Series {
	return Series{
		Name:             cfg.Name,
		Kind:             cfg.Kind,
		Contract:         cfg.Contract,
		HolderAddress:    cfg.HolderAddress,
		Epoch:            midnight(cfg.Epoch),
		Threshold:        cfg.Threshold,
		Decimals:         cfg.Decimals,
		FunctionPrefixes: cfg.FunctionPrefixes,
	}
}

// Result summarises one pass.
type Result struct {
	Series       string
	Window       Window
	Status       Status
	FailedIn     State
	FromBlock    uint64
	ToBlock      uint64
	Transactions int
	Included     int
	Changes      storage.HolderChanges
	Amount       decimal.Decimal
}

// Options tune the indexer.
type Options struct {
	Now func() time.Time
}

// Indexer advances one series by one day window per pass.
type Indexer struct {
	series Series
	chain  fetcher.ChainClient
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs an Indexer for series.
func New(series Series, chain fetcher.ChainClient, store Store, opts Options, logger zerolog.Logger) *Indexer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Indexer{
		series: series,
		chain:  chain,
		store:  store,
		now:    now,
		logger: logger.With().Str("component", "indexer").Str("series", series.Name).Logger(),
	}
}

// Series returns the indexed series.
func (i *Indexer) Series() Series {
	return i.series
}

// NextWindow computes the window after the cursor. It returns ErrWindowNotReady
// together with the window when that window ends in the future.
func (i *Indexer) NextWindow(ctx context.Context) (Window, error) {
	latest, ok, err := i.store.LatestSnapshot(ctx, i.series.Name)
	if err != nil {
		return Window{}, &PersistenceError{Op: "latest snapshot", Err: err}
	}
	w := windowAfter(latest.Day, ok, i.series.Epoch)
	if !w.Ready(i.now()) {
		return w, ErrWindowNotReady
	}
	return w, nil
}

// CaughtUp reports whether the cursor has reached the current day.
func (i *Indexer) CaughtUp(ctx context.Context) (bool, error) {
	_, err := i.NextWindow(ctx)
	if errors.Is(err, ErrWindowNotReady) {
		return true, nil
	}
	return false, err
}

// RunWindow processes the next unprocessed day window. Holder-set mutations of
// the window are applied atomically before its snapshot is written; on error
// nothing of the window is visible.
func (i *Indexer) RunWindow(ctx context.Context) (Result, error) {
	res := Result{Series: i.series.Name}

	i.enter(StateResolvingWindow)
	w, err := i.NextWindow(ctx)
	res.Window = w
	if errors.Is(err, ErrWindowNotReady) {
		res.Status = StatusNotReady
		i.enter(StateIdle)
		return res, nil
	}
	if err != nil {
		return i.fail(res, StateResolvingWindow, err)
	}

	done, err := i.store.SnapshotExists(ctx, i.series.Name, w.End)
	if err != nil {
		return i.fail(res, StateResolvingWindow, &PersistenceError{Op: "snapshot exists", Err: err})
	}
	if done {
		res.Status = StatusAlreadyCommitted
		i.enter(StateIdle)
		return res, nil
	}

	i.enter(StateFetchingTransactions)
	res.FromBlock, err = i.chain.BlockAtOrBefore(ctx, w.Start)
	if err != nil {
		return i.fail(res, StateFetchingTransactions, err)
	}
	res.ToBlock, err = i.chain.BlockAtOrBefore(ctx, w.End)
	if err != nil {
		return i.fail(res, StateFetchingTransactions, err)
	}
	if res.ToBlock < res.FromBlock {
		return i.fail(res, StateFetchingTransactions, &fetcher.ChainLookupError{
			Op:  "resolve window",
			Err: fmt.Errorf("end block %d before start block %d", res.ToBlock, res.FromBlock),
		})
	}

	switch i.series.Kind {
	case config.KindTVL:
		raw, err := i.chain.BalanceOf(ctx, i.series.Contract, i.series.HolderAddress, res.ToBlock)
		if err != nil {
			return i.fail(res, StateFetchingTransactions, err)
		}
		res.Amount = ToUnits(raw, i.series.Decimals)
	default:
		txs, err := i.chain.ListTransactions(ctx, i.series.Contract, res.FromBlock, res.ToBlock)
		if err != nil {
			return i.fail(res, StateFetchingTransactions, err)
		}
		res.Transactions = len(txs)

		i.enter(StateClassifyingAndMutating)
		changes, included, err := i.stage(ctx, txs)
		res.Included = included
		if err != nil {
			return i.fail(res, StateClassifyingAndMutating, err)
		}
		if err := i.store.ApplyHolderChanges(ctx, i.series.Name, changes); err != nil {
			return i.fail(res, StateClassifyingAndMutating, &PersistenceError{Op: "apply holder changes", Err: err})
		}
		res.Changes = changes

		count, err := i.store.CountHolders(ctx, i.series.Name)
		if err != nil {
			return i.fail(res, StateCommitting, &PersistenceError{Op: "count holders", Err: err})
		}
		res.Amount = decimal.NewFromInt(count)
	}

	i.enter(StateCommitting)
	inserted, err := i.store.InsertSnapshotIfAbsent(ctx, storage.DailySnapshot{
		Series: i.series.Name,
		Day:    w.End,
		Amount: res.Amount,
	})
	if err != nil {
		return i.fail(res, StateCommitting, &PersistenceError{Op: "insert snapshot", Err: err})
	}
	res.Status = StatusCommitted
	if !inserted {
		res.Status = StatusAlreadyCommitted
	}

	i.logger.Info().
		Str("window", w.String()).
		Uint64("from_block", res.FromBlock).
		Uint64("to_block", res.ToBlock).
		Int("transactions", res.Transactions).
		Int("included", res.Included).
		Int("inserted", len(res.Changes.Inserts)).
		Int("deleted", len(res.Changes.Deletes)).
		Str("amount", res.Amount.String()).
		Str("status", string(res.Status)).
		Msg("window processed")
	i.enter(StateIdle)
	return res, nil
}

// stage replays txs in order against an overlay of the holder set and returns
// the net inserts and deletes. Nothing is written here.
func (i *Indexer) stage(ctx context.Context, txs []fetcher.Transaction) (storage.HolderChanges, int, error) {
	type balanceKey struct {
		addr  string
		block uint64
	}

	original := make(map[string]bool)
	current := make(map[string]bool)
	balances := make(map[balanceKey]decimal.Decimal)
	included := 0

	for _, tx := range txs {
		if !Classify(tx, i.series.FunctionPrefixes) {
			continue
		}
		included++
		addr := strings.ToLower(strings.TrimSpace(tx.From))
		if addr == "" {
			continue
		}

		key := balanceKey{addr: addr, block: tx.BlockNumber}
		units, cached := balances[key]
		if !cached {
			raw, err := i.chain.BalanceOf(ctx, i.series.Contract, addr, tx.BlockNumber)
			if err != nil {
				return storage.HolderChanges{}, included, err
			}
			units = ToUnits(raw, i.series.Decimals)
			balances[key] = units
		}

		present, seen := current[addr]
		if !seen {
			exists, err := i.store.HolderExists(ctx, i.series.Name, addr)
			if err != nil {
				return storage.HolderChanges{}, included, &PersistenceError{Op: "holder exists", Err: err}
			}
			original[addr] = exists
			present = exists
		}

		switch Decide(units, i.series.Threshold, present) {
		case ChangeInsert:
			current[addr] = true
		case ChangeDelete:
			current[addr] = false
		default:
			current[addr] = present
		}
	}

	var changes storage.HolderChanges
	for addr, now := range current {
		was := original[addr]
		switch {
		case now && !was:
			changes.Inserts = append(changes.Inserts, addr)
		case !now && was:
			changes.Deletes = append(changes.Deletes, addr)
		}
	}
	sort.Strings(changes.Inserts)
	sort.Strings(changes.Deletes)
	return changes, included, nil
}

func (i *Indexer) enter(s State) {
	i.logger.Debug().Str("state", string(s)).Msg("state")
}

func (i *Indexer) fail(res Result, in State, err error) (Result, error) {
	res.FailedIn = in
	i.enter(StateBackoff)
	return res, err
}
