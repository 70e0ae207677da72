package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// BlockResolver maps wall-clock time to chain height.
type BlockResolver interface {
	BlockAtOrBefore(ctx context.Context, ts time.Time) (uint64, error)
}

// TransactionLister lists transactions sent to a contract within a block range.
type TransactionLister interface {
	ListTransactions(ctx context.Context, contract string, fromBlock, toBlock uint64) ([]Transaction, error)
}

// BalanceOfReader reads historical ERC-20 balances.
type BalanceOfReader interface {
	BalanceOf(ctx context.Context, token, holder string, block uint64) (*big.Int, error)
}

// ChainClient is everything the day-window indexer needs from the chain.
type ChainClient interface {
	BlockResolver
	TransactionLister
	BalanceOfReader
}

// Transaction is a raw explorer transaction record.
type Transaction struct {
	Hash            string `json:"hash"`
	BlockNumber     uint64 `json:"blockNumber,string"`
	TimeStamp       int64  `json:"timeStamp,string"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	FunctionName    string `json:"functionName"`
	IsError         string `json:"isError"`
	TxReceiptStatus string `json:"txreceipt_status"`
}

// ChainLookupError reports a failed or unparsable explorer/RPC call.
type ChainLookupError struct {
	Op  string
	Err error
}

func (e *ChainLookupError) Error() string {
	return fmt.Sprintf("chain lookup %s: %v", e.Op, e.Err)
}

func (e *ChainLookupError) Unwrap() error { return e.Err }

// BalanceQueryError reports a failed historical balanceOf for one address.
type BalanceQueryError struct {
	Token   string
	Address string
	Block   uint64
	Err     error
}

func (e *BalanceQueryError) Error() string {
	return fmt.Sprintf("balanceOf %s on %s at block %d: %v", e.Address, e.Token, e.Block, e.Err)
}

func (e *BalanceQueryError) Unwrap() error { return e.Err }

// Chain combines an explorer and a balance reader into a ChainClient.
type Chain struct {
	*Explorer
	*BalanceReader
}

var _ ChainClient = Chain{}
