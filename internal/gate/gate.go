package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"holder-indexer/internal/storage"
)

// Elector decides whether this replica is the worker that runs indexing ticks.
// It is advisory: a wrong answer only delays or duplicates work.
type Elector interface {
	Elected(ctx context.Context) (bool, error)
}

// StaticElector is fixed by deployment configuration.
type StaticElector bool

// Elected returns the configured value.
func (s StaticElector) Elected(context.Context) (bool, error) {
	return bool(s), nil
}

// AdvisoryElector elects the replica holding a postgres session advisory lock.
// Once acquired, the lock is kept until Release.
type AdvisoryElector struct {
	locker storage.AdvisoryLocker
	key    int64
	logger zerolog.Logger

	mu     sync.Mutex
	unlock func()
}

// NewAdvisoryElector builds an elector contending for key.
func NewAdvisoryElector(locker storage.AdvisoryLocker, key int64, logger zerolog.Logger) *AdvisoryElector {
	return &AdvisoryElector{locker: locker, key: key, logger: logger.With().Str("component", "elector").Logger()}
}

// Elected tries to take the lock if this replica does not hold it yet.
func (a *AdvisoryElector) Elected(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.unlock != nil {
		return true, nil
	}
	unlock, acquired, err := a.locker.TryAdvisoryLock(ctx, a.key)
	if err != nil {
		return false, fmt.Errorf("acquire election lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	a.unlock = unlock
	a.logger.Info().Int64("lock_key", a.key).Msg("elected as indexing worker")
	return true, nil
}

// Release gives up the election lock.
func (a *AdvisoryElector) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unlock != nil {
		a.unlock()
		a.unlock = nil
	}
}

// Gate suppresses indexing ticks on replicas that are not elected and on jobs
// that recently failed.
type Gate struct {
	elector   Elector
	cooldowns CooldownStore
	logger    zerolog.Logger
}

// New constructs a Gate.
func New(elector Elector, cooldowns CooldownStore, logger zerolog.Logger) *Gate {
	if elector == nil {
		elector = StaticElector(true)
	}
	return &Gate{elector: elector, cooldowns: cooldowns, logger: logger.With().Str("component", "gate").Logger()}
}

// ShouldRun reports whether job may run now on this replica.
func (g *Gate) ShouldRun(ctx context.Context, job string) (bool, error) {
	elected, err := g.elector.Elected(ctx)
	if err != nil {
		return false, err
	}
	if !elected {
		g.logger.Debug().Str("job", job).Msg("not the elected worker; skipping")
		return false, nil
	}

	cooling, err := g.cooldowns.Active(ctx, job)
	if err != nil {
		return false, err
	}
	if cooling {
		g.logger.Debug().Str("job", job).Msg("job cooling down; skipping")
		return false, nil
	}
	return true, nil
}

// Cooldown suppresses job for ttl.
func (g *Gate) Cooldown(ctx context.Context, job string, ttl time.Duration) error {
	if err := g.cooldowns.Set(ctx, job, ttl); err != nil {
		return err
	}
	g.logger.Warn().Str("job", job).Dur("ttl", ttl).Msg("job cooling down")
	return nil
}
