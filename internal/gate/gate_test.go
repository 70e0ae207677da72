package gate

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"holder-indexer/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestMemoryCooldownExpires(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryCooldown(clock.now)
	ctx := context.Background()

	active, err := store.Active(ctx, "iq")
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, store.Set(ctx, "iq", 15*time.Minute))

	clock.t = clock.t.Add(14 * time.Minute)
	active, _ = store.Active(ctx, "iq")
	require.True(t, active)

	active, _ = store.Active(ctx, "hiiq")
	require.False(t, active, "flags are keyed per job")

	clock.t = clock.t.Add(time.Minute)
	active, _ = store.Active(ctx, "iq")
	require.False(t, active, "flag must expire at its ttl")
}

func TestGateShouldRun(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	ctx := context.Background()

	g := New(StaticElector(true), NewMemoryCooldown(clock.now), zerolog.Nop())
	ok, err := g.ShouldRun(ctx, "iq")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.Cooldown(ctx, "iq", time.Minute))
	ok, err = g.ShouldRun(ctx, "iq")
	require.NoError(t, err)
	require.False(t, ok)

	clock.t = clock.t.Add(time.Minute + time.Second)
	ok, err = g.ShouldRun(ctx, "iq")
	require.NoError(t, err)
	require.True(t, ok)

	follower := New(StaticElector(false), NewMemoryCooldown(clock.now), zerolog.Nop())
	ok, err = follower.ShouldRun(ctx, "iq")
	require.NoError(t, err)
	require.False(t, ok)
}

type fakeLocker struct {
	held     bool
	attempts int
	err      error
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	f.attempts++
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held {
		return nil, false, nil
	}
	f.held = true
	return func() { f.held = false }, true, nil
}

func TestAdvisoryElector(t *testing.T) {
	ctx := context.Background()
	locker := &fakeLocker{}

	first := NewAdvisoryElector(locker, 7, zerolog.Nop())
	second := NewAdvisoryElector(locker, 7, zerolog.Nop())

	ok, err := first.Elected(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Elected(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	ok, _ = first.Elected(ctx)
	require.True(t, ok)
	require.Equal(t, 2, locker.attempts, "a held lock is not re-acquired")

	first.Release()
	ok, _ = second.Elected(ctx)
	require.True(t, ok)

	failing := NewAdvisoryElector(&fakeLocker{err: errors.New("db down")}, 7, zerolog.Nop())
	_, err = failing.Elected(ctx)
	require.Error(t, err)
}

func TestRedisCooldown(t *testing.T) {
	addr := os.Getenv("HOLDERINDEXER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HOLDERINDEXER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	client, err := NewRedisClient(ctx, config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer client.Close()

	store := NewRedisCooldown(client, "holderindexer:test:"+t.Name()+":")
	active, err := store.Active(ctx, "iq")
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, store.Set(ctx, "iq", 500*time.Millisecond))
	active, err = store.Active(ctx, "iq")
	require.NoError(t, err)
	require.True(t, active)

	require.Eventually(t, func() bool {
		active, err := store.Active(ctx, "iq")
		return err == nil && !active
	}, 3*time.Second, 100*time.Millisecond)
}
