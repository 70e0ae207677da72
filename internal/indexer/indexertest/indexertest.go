// Package indexertest provides in-memory chain and store doubles for tests of
// code that drives the day-window indexer.
package indexertest

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"holder-indexer/internal/fetcher"
	"holder-indexer/internal/storage"
)

// BlockSeconds is the fake chain's block time.
const BlockSeconds = 10

// BlockFor returns the fake chain's block at or before t.
func BlockFor(t time.Time) uint64 {
	return uint64(t.Unix() / BlockSeconds)
}

// Tokens returns n whole tokens at 18 decimals.
func Tokens(n string) *big.Int {
	d := decimal.RequireFromString(n).Shift(18)
	return d.BigInt()
}

// Chain is a scripted fetcher.ChainClient.
type Chain struct {
	mu sync.Mutex

	Txs []fetcher.Transaction
	// Balances maps lower-cased address to its raw balance; a per-block
	// override can be set in BlockBalances.
	Balances      map[string]*big.Int
	BlockBalances map[string]map[uint64]*big.Int

	BlockErr error
	ListErr  error
	// FailBalanceCall makes the n-th (1-based) BalanceOf call fail.
	FailBalanceCall int
	BalanceErr      error

	BlockCalls   int
	ListCalls    int
	BalanceCalls int
	ListRanges   [][2]uint64
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{Balances: map[string]*big.Int{}, BlockBalances: map[string]map[uint64]*big.Int{}}
}

// TotalCalls counts every external call made so far.
func (c *Chain) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.BlockCalls + c.ListCalls + c.BalanceCalls
}

// SetBalance sets addr's balance at every block.
func (c *Chain) SetBalance(addr string, raw *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Balances[strings.ToLower(addr)] = raw
}

// SetBalanceAt sets addr's balance at one block.
func (c *Chain) SetBalanceAt(addr string, block uint64, raw *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(addr)
	if c.BlockBalances[key] == nil {
		c.BlockBalances[key] = map[uint64]*big.Int{}
	}
	c.BlockBalances[key][block] = raw
}

// AddTransfer appends a successful transfer sent by from at time at.
func (c *Chain) AddTransfer(from string, at time.Time) fetcher.Transaction {
	tx := fetcher.Transaction{
		Hash:            from + "@" + at.Format(time.RFC3339),
		BlockNumber:     BlockFor(at),
		TimeStamp:       at.Unix(),
		From:            from,
		FunctionName:    "transfer(address _to, uint256 _value)",
		TxReceiptStatus: "1",
	}
	c.mu.Lock()
	c.Txs = append(c.Txs, tx)
	c.mu.Unlock()
	return tx
}

// BlockAtOrBefore implements fetcher.BlockResolver.
func (c *Chain) BlockAtOrBefore(_ context.Context, ts time.Time) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BlockCalls++
	if c.BlockErr != nil {
		return 0, &fetcher.ChainLookupError{Op: "getblocknobytime", Err: c.BlockErr}
	}
	return BlockFor(ts), nil
}

// ListTransactions implements fetcher.TransactionLister.
func (c *Chain) ListTransactions(_ context.Context, _ string, fromBlock, toBlock uint64) ([]fetcher.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ListCalls++
	c.ListRanges = append(c.ListRanges, [2]uint64{fromBlock, toBlock})
	if c.ListErr != nil {
		return nil, &fetcher.ChainLookupError{Op: "txlist", Err: c.ListErr}
	}
	out := make([]fetcher.Transaction, 0)
	for _, tx := range c.Txs {
		if tx.BlockNumber >= fromBlock && tx.BlockNumber <= toBlock {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

// BalanceOf implements fetcher.BalanceOfReader.
func (c *Chain) BalanceOf(_ context.Context, token, holder string, block uint64) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BalanceCalls++
	if c.FailBalanceCall > 0 && c.BalanceCalls == c.FailBalanceCall {
		err := c.BalanceErr
		if err == nil {
			err = errors.New("rpc unavailable")
		}
		return nil, &fetcher.BalanceQueryError{Token: token, Address: holder, Block: block, Err: err}
	}
	key := strings.ToLower(holder)
	if byBlock, ok := c.BlockBalances[key]; ok {
		if raw, ok := byBlock[block]; ok {
			return raw, nil
		}
	}
	if raw, ok := c.Balances[key]; ok {
		return raw, nil
	}
	return big.NewInt(0), nil
}

// Store is an in-memory indexer store with failure injection.
type Store struct {
	mu        sync.Mutex
	snapshots map[string][]storage.DailySnapshot
	holders   map[string]map[string]bool

	ApplyErr    error
	InsertErr   error
	ApplyCalls  int
	InsertCalls int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		snapshots: map[string][]storage.DailySnapshot{},
		holders:   map[string]map[string]bool{},
	}
}

// SeedHolders adds addresses to series without going through ApplyHolderChanges.
func (s *Store) SeedHolders(series string, addrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holders[series] == nil {
		s.holders[series] = map[string]bool{}
	}
	for _, a := range addrs {
		s.holders[series][strings.ToLower(a)] = true
	}
}

// SeedSnapshot records a snapshot directly.
func (s *Store) SeedSnapshot(series string, day time.Time, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[series] = append(s.snapshots[series], storage.DailySnapshot{
		Series: series,
		Day:    day.UTC(),
		Amount: decimal.NewFromInt(amount),
	})
}

// Holders lists the holder set of series, sorted.
func (s *Store) Holders(series string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.holders[series]))
	for a := range s.holders[series] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Snapshots lists snapshots of series in day order.
func (s *Store) Snapshots(series string) []storage.DailySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]storage.DailySnapshot(nil), s.snapshots[series]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}

// LatestSnapshot implements indexer.Store.
func (s *Store) LatestSnapshot(_ context.Context, series string) (storage.DailySnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest storage.DailySnapshot
		found  bool
	)
	for _, snap := range s.snapshots[series] {
		if !found || snap.Day.After(latest.Day) {
			latest, found = snap, true
		}
	}
	return latest, found, nil
}

// SnapshotExists implements indexer.Store.
func (s *Store) SnapshotExists(_ context.Context, series string, day time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasSnapshot(series, day), nil
}

// InsertSnapshotIfAbsent implements indexer.Store.
func (s *Store) InsertSnapshotIfAbsent(_ context.Context, snap storage.DailySnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InsertCalls++
	if s.InsertErr != nil {
		return false, s.InsertErr
	}
	if s.hasSnapshot(snap.Series, snap.Day) {
		return false, nil
	}
	snap.Day = snap.Day.UTC()
	s.snapshots[snap.Series] = append(s.snapshots[snap.Series], snap)
	return true, nil
}

// ListSnapshotsBetween returns snapshots with from <= day < to.
func (s *Store) ListSnapshotsBetween(_ context.Context, series string, from, to time.Time) ([]storage.DailySnapshot, error) {
	out := make([]storage.DailySnapshot, 0)
	for _, snap := range s.Snapshots(series) {
		if !snap.Day.Before(from) && snap.Day.Before(to) {
			out = append(out, snap)
		}
	}
	return out, nil
}

// HolderExists implements indexer.Store.
func (s *Store) HolderExists(_ context.Context, series, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders[series][strings.ToLower(address)], nil
}

// ApplyHolderChanges implements indexer.Store with all-or-nothing semantics.
func (s *Store) ApplyHolderChanges(_ context.Context, series string, changes storage.HolderChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if changes.Empty() {
		return nil
	}
	s.ApplyCalls++
	if s.ApplyErr != nil {
		return s.ApplyErr
	}
	set := s.holders[series]
	for _, a := range changes.Inserts {
		if set[strings.ToLower(a)] {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	if set == nil {
		set = map[string]bool{}
		s.holders[series] = set
	}
	for _, a := range changes.Inserts {
		set[strings.ToLower(a)] = true
	}
	for _, a := range changes.Deletes {
		delete(set, strings.ToLower(a))
	}
	return nil
}

// CountHolders implements indexer.Store.
func (s *Store) CountHolders(_ context.Context, series string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.holders[series])), nil
}

func (s *Store) hasSnapshot(series string, day time.Time) bool {
	for _, snap := range s.snapshots[series] {
		if snap.Day.Equal(day) {
			return true
		}
	}
	return false
}
