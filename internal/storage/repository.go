package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	latestSnapshotSQL = `SELECT series, day, amount::text, created_at, updated_at
    FROM daily_snapshots
    WHERE series = $1
    ORDER BY day DESC, updated_at DESC
    LIMIT 1;`

	snapshotExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM daily_snapshots WHERE series = $1 AND day = $2
    );`

	insertSnapshotSQL = `INSERT INTO daily_snapshots (series, day, amount)
    VALUES ($1, $2, $3)
    ON CONFLICT (series, day) DO NOTHING;`

	listSnapshotsBetweenSQL = `SELECT series, day, amount::text, created_at, updated_at
    FROM daily_snapshots
    WHERE series = $1
      AND day >= $2
      AND day < $3
    ORDER BY day;`

	holderExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM holders WHERE series = $1 AND address = $2
    );`

	insertHolderSQL = `INSERT INTO holders (series, address) VALUES ($1, $2);`

	deleteHolderSQL = `DELETE FROM holders WHERE series = $1 AND address = $2;`

	countHoldersSQL = `SELECT COUNT(*) FROM holders WHERE series = $1;`

	listHoldersSQL = `SELECT series, address, created_at, updated_at
    FROM holders
    WHERE series = $1
    ORDER BY address;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore is the cursor store: one snapshot row per series and day.
type SnapshotStore interface {
	LatestSnapshot(ctx context.Context, series string) (DailySnapshot, bool, error)
	SnapshotExists(ctx context.Context, series string, day time.Time) (bool, error)
	InsertSnapshotIfAbsent(ctx context.Context, snap DailySnapshot) (bool, error)
	ListSnapshotsBetween(ctx context.Context, series string, from, to time.Time) ([]DailySnapshot, error)
}

// HolderStore is the holder set of each series.
type HolderStore interface {
	HolderExists(ctx context.Context, series, address string) (bool, error)
	ApplyHolderChanges(ctx context.Context, series string, changes HolderChanges) error
	CountHolders(ctx context.Context, series string) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to snapshots and holders.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a session-level postgres advisory lock.
// The lock lives as long as the dedicated connection; call unlock to release both.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the lock dies with the session anyway
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LatestSnapshot returns the snapshot of series with the latest day.
func (s *Store) LatestSnapshot(ctx context.Context, series string) (DailySnapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return DailySnapshot{}, false, err
	}

	snap, err := scanSnapshot(pool.QueryRow(ctx, latestSnapshotSQL, series))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DailySnapshot{}, false, nil
		}
		return DailySnapshot{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, true, nil
}

// SnapshotExists reports whether series already has a snapshot for day.
func (s *Store) SnapshotExists(ctx context.Context, series string, day time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if err := pool.QueryRow(ctx, snapshotExistsSQL, series, day.UTC()).Scan(&exists); err != nil {
		return false, fmt.Errorf("snapshot exists: %w", err)
	}
	return exists, nil
}

// InsertSnapshotIfAbsent writes snap unless its day is already recorded.
// It reports whether a row was inserted.
func (s *Store) InsertSnapshotIfAbsent(ctx context.Context, snap DailySnapshot) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var inserted bool
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, snapshotExistsSQL, snap.Series, snap.Day.UTC()).Scan(&exists); err != nil {
			return fmt.Errorf("check snapshot: %w", err)
		}
		if exists {
			return nil
		}
		tag, err := tx.Exec(ctx, insertSnapshotSQL, snap.Series, snap.Day.UTC(), snap.Amount.String())
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ListSnapshotsBetween lists snapshots of series with from <= day < to.
func (s *Store) ListSnapshotsBetween(ctx context.Context, series string, from, to time.Time) ([]DailySnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, series, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]DailySnapshot, 0)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// HolderExists reports whether address is in the holder set of series.
func (s *Store) HolderExists(ctx context.Context, series, address string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if err := pool.QueryRow(ctx, holderExistsSQL, series, normalizeAddress(address)).Scan(&exists); err != nil {
		return false, fmt.Errorf("holder exists: %w", err)
	}
	return exists, nil
}

// ApplyHolderChanges applies all inserts and deletes in a single transaction.
// A duplicate insert aborts the whole batch.
func (s *Store) ApplyHolderChanges(ctx context.Context, series string, changes HolderChanges) error {
	if changes.Empty() {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, addr := range changes.Inserts {
			batch.Queue(insertHolderSQL, series, normalizeAddress(addr))
		}
		for _, addr := range changes.Deletes {
			batch.Queue(deleteHolderSQL, series, normalizeAddress(addr))
		}

		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("apply holder changes: %w", err)
			}
		}
		return br.Close()
	})
}

// CountHolders returns the size of the holder set of series.
func (s *Store) CountHolders(ctx context.Context, series string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countHoldersSQL, series).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count holders: %w", scanErr)
	}
	return count, nil
}

// ListHolders returns the holder set of series ordered by address.
func (s *Store) ListHolders(ctx context.Context, series string) ([]HolderRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHoldersSQL, series)
	if queryErr != nil {
		return nil, fmt.Errorf("list holders: %w", queryErr)
	}
	defer rows.Close()

	holders := make([]HolderRecord, 0)
	for rows.Next() {
		var rec HolderRecord
		if err := rows.Scan(&rec.Series, &rec.Address, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		holders = append(holders, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return holders, nil
}

func scanSnapshot(row pgx.Row) (DailySnapshot, error) {
	var (
		snap      DailySnapshot
		amountStr string
	)
	if err := row.Scan(&snap.Series, &snap.Day, &amountStr, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
		return DailySnapshot{}, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return DailySnapshot{}, fmt.Errorf("parse amount: %w", err)
	}
	snap.Amount = amount
	snap.Day = snap.Day.UTC()
	return snap, nil
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

var (
	_ SnapshotStore  = (*Store)(nil)
	_ HolderStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
