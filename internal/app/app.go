package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"holder-indexer/internal/config"
	"holder-indexer/internal/fetcher"
	"holder-indexer/internal/gate"
	"holder-indexer/internal/httpapi"
	"holder-indexer/internal/indexer"
	"holder-indexer/internal/scheduler"
	"holder-indexer/internal/service"
	"holder-indexer/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newChain() (fetcher.Chain, func()) {
	explorer := fetcher.NewExplorer(fetcher.ExplorerOptions{
		BaseURL:      fetcher.BaseURL(a.Config.Explorer.Network, a.Config.Explorer.MainnetURL, a.Config.Explorer.TestnetURL),
		APIKey:       a.Config.Explorer.APIKey,
		PageSize:     a.Config.Explorer.PageSize,
		ResultWindow: a.Config.Explorer.ResultWindow,
		RateLimitRPS: a.Config.Explorer.RateLimitRPS,
		Timeout:      a.Config.Explorer.RequestTimeout,
		UserAgent:    a.Config.Explorer.UserAgent,
	}, a.Logger)

	balances := fetcher.NewBalanceReader(fetcher.BalanceOptions{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)

	return fetcher.Chain{Explorer: explorer, BalanceReader: balances}, balances.Close
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newGate wires the cool-down store and the election mode. The returned closer
// releases the election lock and the redis client.
func (a *App) newGate(ctx context.Context, store *storage.Store) (*gate.Gate, func(), error) {
	var (
		cooldowns gate.CooldownStore
		closers   []func()
	)
	if a.Config.Redis.Addr != "" {
		client, err := gate.NewRedisClient(ctx, a.Config.Redis)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		cooldowns = gate.NewRedisCooldown(client, a.Config.Redis.KeyPrefix)
	} else {
		a.Logger.Warn().Msg("redis.addr not configured; cool-down flags kept in memory")
		cooldowns = gate.NewMemoryCooldown(nil)
	}

	var elector gate.Elector
	switch a.Config.Gate.Election {
	case config.ElectionAdvisory:
		adv := gate.NewAdvisoryElector(store, a.Config.Gate.AdvisoryLockKey, a.Logger)
		closers = append(closers, adv.Release)
		elector = adv
	default:
		elector = gate.StaticElector(a.Config.Gate.ElectedWorker)
		if !a.Config.Gate.ElectedWorker {
			a.Logger.Info().Msg("gate.elected_worker is false; indexing ticks disabled on this replica")
		}
	}

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return gate.New(elector, cooldowns, a.Logger), closeAll, nil
}

func (a *App) newIndexers(chain fetcher.ChainClient, store indexer.Store, names ...string) ([]service.Runner, error) {
	if len(names) == 0 {
		names = a.Config.SeriesNames()
	}
	runners := make([]service.Runner, 0, len(names))
	for _, name := range names {
		sc, ok := a.Config.FindSeries(name)
		if !ok {
			return nil, fmt.Errorf("unknown series %q (configured: %v)", name, a.Config.SeriesNames())
		}
		runners = append(runners, indexer.New(indexer.SeriesFromConfig(sc), chain, store, indexer.Options{}, a.Logger))
	}
	return runners, nil
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Location:   time.UTC,
		RunTimeout: 10 * time.Minute,
	}, a.Logger)
}

func (a *App) serviceOptions() service.Options {
	return service.Options{
		TickInterval: a.Config.Scheduler.TickInterval,
		DailySpec:    a.Config.Scheduler.DailySpec,
		CooldownTTL:  a.Config.Gate.CooldownTTL,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}
}

// Run executes the long-running indexing service.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if _, err := store.Migrate(ctx); err != nil {
		return err
	}

	g, closeGate, err := a.newGate(ctx, store)
	if err != nil {
		return err
	}
	defer closeGate()

	chain, closeChain := a.newChain()
	defer closeChain()

	runners, err := a.newIndexers(chain, store, opts.Series...)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(runners))
	for _, r := range runners {
		names = append(names, r.Series().Name)
	}

	addr := a.Config.HTTP.Addr
	if opts.HTTPAddr != "" {
		addr = opts.HTTPAddr
	}

	svc := service.New(a.serviceOptions(), a.newScheduler(), g, runners, a.Logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return svc.Run(gctx)
	})
	if addr != "" {
		api := httpapi.New(addr, store, a.Config.Series, a.Logger)
		group.Go(func() error {
			return api.ListenAndServe(gctx)
		})
	}

	a.Logger.Info().Strs("series", names).Msg("starting indexing service")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("indexing service stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		a.Logger.Info().Msg("schema up to date")
		return nil
	}
	a.Logger.Info().Strs("applied", applied).Msg("migrations applied")
	return nil
}

// RunOptions narrow the service to a subset of series and override the API address.
type RunOptions struct {
	Series   []string
	HTTPAddr string
}

// ExportOptions hold parameters for exporting snapshots.
type ExportOptions struct {
	Series    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Series string
	From   *time.Time
	To     *time.Time
	Limit  int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	Series  []string
	MaxDays int
}
