package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndRemove(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register("iq:catchup", Every(5*time.Second), noop))
	require.NoError(t, s.Register("iq:daily", "0 5 0 * * *", noop))
	require.NoError(t, s.Register("iq:catchup", Every(time.Second), noop), "duplicate registration is a no-op")
	require.Equal(t, []string{"iq:catchup", "iq:daily"}, s.Names())
	require.True(t, s.Enabled("iq:catchup"))

	_, ok := s.Next("iq:daily")
	require.True(t, ok)

	require.True(t, s.Remove("iq:catchup"))
	require.False(t, s.Remove("iq:catchup"))
	require.False(t, s.Enabled("iq:catchup"))

	err := s.Register("broken", "not a spec", noop)
	require.Error(t, err)
	require.False(t, s.Enabled("broken"))
}

func TestRunNowDeregisters(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	var calls int
	require.NoError(t, s.Register("iq:catchup", Every(time.Hour), func(context.Context) error {
		calls++
		if calls == 2 {
			return ErrDeregister
		}
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, s.RunNow(ctx, "iq:catchup"))
	require.True(t, s.Enabled("iq:catchup"))

	require.NoError(t, s.RunNow(ctx, "iq:catchup"))
	require.False(t, s.Enabled("iq:catchup"))

	err := s.RunNow(ctx, "iq:catchup")
	require.ErrorIs(t, err, ErrUnknownTask)
}

func TestRunNowFailureKeepsTask(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	require.NoError(t, s.Register("iq:catchup", Every(time.Hour), func(context.Context) error {
		return errors.New("explorer down")
	}))
	require.NoError(t, s.RunNow(context.Background(), "iq:catchup"))
	require.True(t, s.Enabled("iq:catchup"))
}

func TestTaskDoesNotOverlap(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register("slow", Every(time.Hour), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	err := s.RunNow(context.Background(), "slow")
	require.ErrorIs(t, err, ErrTaskRunning)

	close(release)
	require.NoError(t, <-done)
}

func TestRunTimeout(t *testing.T) {
	s := New(Options{RunTimeout: 50 * time.Millisecond}, zerolog.Nop())
	var sawDeadline atomic.Bool
	require.NoError(t, s.Register("bounded", Every(time.Hour), func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}))
	require.NoError(t, s.RunNow(context.Background(), "bounded"))
	require.True(t, sawDeadline.Load())
}

func TestStartFiresTasks(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	var runs atomic.Int32
	require.NoError(t, s.Register("tick", Every(time.Second), func(context.Context) error {
		runs.Add(1)
		return ErrDeregister
	}))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return !s.Enabled("tick") }, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, int32(1), runs.Load())
}
