package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"holder-indexer/internal/config"
	"holder-indexer/internal/gate"
	"holder-indexer/internal/indexer"
	"holder-indexer/internal/indexer/indexertest"
	"holder-indexer/internal/scheduler"
)

var epoch = time.Date(2021, 3, 19, 0, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	clock *clock
	chain *indexertest.Chain
	store *indexertest.Store
	sched *scheduler.Scheduler
	svc   *Service
}

func newFixture(t *testing.T, now time.Time, elected bool) *fixture {
	t.Helper()
	f := &fixture{
		clock: &clock{t: now},
		chain: indexertest.NewChain(),
		store: indexertest.NewStore(),
		sched: scheduler.New(scheduler.Options{}, zerolog.Nop()),
	}
	series := indexer.Series{
		Name:             "iq",
		Kind:             config.KindHolders,
		Contract:         "0x579cea1889991f68acc35ff5c3dd0621ff29b0c9",
		Epoch:            epoch,
		Threshold:        decimal.NewFromInt(5),
		Decimals:         18,
		FunctionPrefixes: []string{"transfer", "approve"},
	}
	idx := indexer.New(series, f.chain, f.store, indexer.Options{Now: f.clock.now}, zerolog.Nop())
	g := gate.New(gate.StaticElector(elected), gate.NewMemoryCooldown(f.clock.now), zerolog.Nop())
	f.svc = New(Options{
		TickInterval: 5 * time.Second,
		DailySpec:    "0 5 0 * * *",
		CooldownTTL:  15 * time.Minute,
	}, f.sched, g, []Runner{idx}, zerolog.Nop())
	require.NoError(t, f.svc.Register())
	return f
}

func TestRegisterSchedulesBothTasks(t *testing.T) {
	f := newFixture(t, epoch.Add(48*time.Hour), true)
	require.Equal(t, []string{"iq:catchup", "iq:daily"}, f.sched.Names())
}

func TestCatchUpDeregistersWhenCaughtUp(t *testing.T) {
	f := newFixture(t, epoch.Add(50*time.Hour), true)
	ctx := context.Background()

	require.NoError(t, f.sched.RunNow(ctx, CatchUpTask("iq")))
	require.NoError(t, f.sched.RunNow(ctx, CatchUpTask("iq")))
	require.Len(t, f.store.Snapshots("iq"), 2)
	require.True(t, f.sched.Enabled(CatchUpTask("iq")))

	require.NoError(t, f.sched.RunNow(ctx, CatchUpTask("iq")))
	require.False(t, f.sched.Enabled(CatchUpTask("iq")), "a caught-up series stops its catch-up task")
	require.True(t, f.sched.Enabled(DailyTask("iq")))
	require.Len(t, f.store.Snapshots("iq"), 2)
}

func TestDailyReArmsCatchUp(t *testing.T) {
	f := newFixture(t, epoch.Add(30*time.Hour), true)
	ctx := context.Background()

	require.NoError(t, f.sched.RunNow(ctx, CatchUpTask("iq")))
	require.NoError(t, f.sched.RunNow(ctx, CatchUpTask("iq")))
	require.False(t, f.sched.Enabled(CatchUpTask("iq")))

	f.clock.t = epoch.Add(4 * 24 * time.Hour)
	require.NoError(t, f.sched.RunNow(ctx, DailyTask("iq")))
	require.Len(t, f.store.Snapshots("iq"), 2)
	require.True(t, f.sched.Enabled(CatchUpTask("iq")), "daily pass left the series behind")
}

func TestFailedTickCoolsDown(t *testing.T) {
	f := newFixture(t, epoch.Add(48*time.Hour), true)
	ctx := context.Background()
	f.chain.ListErr = errors.New("explorer returned 502")

	require.NoError(t, f.svc.Tick(ctx, "iq", true))
	require.Equal(t, 1, f.chain.ListCalls)
	calls := f.chain.TotalCalls()

	for i := 0; i < 3; i++ {
		f.clock.t = f.clock.t.Add(5 * time.Second)
		require.NoError(t, f.svc.Tick(ctx, "iq", true))
		require.NoError(t, f.svc.Tick(ctx, "iq", false))
	}
	require.Equal(t, calls, f.chain.TotalCalls(), "no chain calls while cooling down")
	require.True(t, f.sched.Enabled(CatchUpTask("iq")))

	f.chain.ListErr = nil
	f.clock.t = f.clock.t.Add(15 * time.Minute)
	require.NoError(t, f.svc.Tick(ctx, "iq", true))
	require.Greater(t, f.chain.TotalCalls(), calls)
	require.Len(t, f.store.Snapshots("iq"), 1)
}

func TestDailyFailureSuppressesCatchUp(t *testing.T) {
	f := newFixture(t, epoch.Add(48*time.Hour), true)
	ctx := context.Background()
	f.chain.BlockErr = errors.New("timeout")

	require.NoError(t, f.svc.Tick(ctx, "iq", false))
	calls := f.chain.TotalCalls()
	require.NotZero(t, calls)

	f.chain.BlockErr = nil
	f.clock.t = f.clock.t.Add(time.Minute)
	require.NoError(t, f.svc.Tick(ctx, "iq", true))
	require.Equal(t, calls, f.chain.TotalCalls(), "catch-up shares the series cool-down")
	require.Empty(t, f.store.Snapshots("iq"))
}

func TestFollowerNeverIndexes(t *testing.T) {
	f := newFixture(t, epoch.Add(48*time.Hour), false)
	ctx := context.Background()

	require.NoError(t, f.svc.Tick(ctx, "iq", true))
	require.NoError(t, f.svc.Tick(ctx, "iq", false))
	require.Zero(t, f.chain.TotalCalls())
	require.Empty(t, f.store.Snapshots("iq"))
	require.True(t, f.sched.Enabled(CatchUpTask("iq")))
}

func TestTickUnknownSeries(t *testing.T) {
	f := newFixture(t, epoch.Add(48*time.Hour), true)
	require.Error(t, f.svc.Tick(context.Background(), "nope", true))
}

func TestRunUntilCaughtUp(t *testing.T) {
	f := newFixture(t, epoch.Add(5*24*time.Hour), true)
	ctx := context.Background()

	n, err := f.svc.RunUntilCaughtUp(ctx, "iq", 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = f.svc.RunUntilCaughtUp(ctx, "iq", 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, f.store.Snapshots("iq"), 5)

	f.clock.t = f.clock.t.Add(24 * time.Hour)
	f.chain.BlockErr = errors.New("timeout")
	_, err = f.svc.RunUntilCaughtUp(ctx, "iq", 0)
	require.Error(t, err)
}
