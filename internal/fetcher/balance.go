package fetcher

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	erc20BalanceOfABIJSON = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc20ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20BalanceOfABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// BalanceOptions parameterise the RPC balance reader.
type BalanceOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// BalanceReader reads ERC-20 balances pinned to historical blocks via eth_call.
type BalanceReader struct {
	opts      BalanceOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewBalanceReader builds a balance reader. The RPC connection is dialled lazily.
func NewBalanceReader(opts BalanceOptions, logger zerolog.Logger) *BalanceReader {
	return &BalanceReader{opts: opts, logger: logger.With().Str("component", "balance_reader").Logger()}
}

// BalanceOf returns holder's raw token balance at block. A zero block reads latest state.
func (b *BalanceReader) BalanceOf(ctx context.Context, token, holder string, block uint64) (*big.Int, error) {
	wrap := func(err error) error {
		return &BalanceQueryError{Token: token, Address: holder, Block: block, Err: err}
	}

	if b.opts.RPCURL == "" {
		return nil, wrap(errors.New("ethereum rpc url not configured"))
	}
	if !common.IsHexAddress(token) {
		return nil, wrap(errors.New("invalid token address"))
	}
	if !common.IsHexAddress(holder) {
		return nil, wrap(errors.New("invalid holder address"))
	}

	timeout := b.opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := b.getClient(ctx)
	if err != nil {
		return nil, wrap(err)
	}

	payload, err := erc20ABI.Pack("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return nil, wrap(err)
	}

	var blockTag *big.Int
	if block > 0 {
		blockTag = new(big.Int).SetUint64(block)
	}

	tokenAddr := common.HexToAddress(token)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: payload}, blockTag)
	if err != nil {
		return nil, wrap(err)
	}

	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return nil, wrap(err)
	}
	if len(outputs) != 1 {
		return nil, wrap(errors.New("unexpected balanceOf response"))
	}

	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, wrap(errors.New("failed to decode balanceOf output"))
	}
	return balance, nil
}

// Close releases the RPC connection, if one was opened.
func (b *BalanceReader) Close() {
	b.clientMux.Lock()
	defer b.clientMux.Unlock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
}

func (b *BalanceReader) getClient(ctx context.Context) (*ethclient.Client, error) {
	b.clientMux.Lock()
	defer b.clientMux.Unlock()

	if b.client != nil {
		return b.client, nil
	}

	client, err := ethclient.DialContext(ctx, b.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	b.client = client
	return client, nil
}

var _ BalanceOfReader = (*BalanceReader)(nil)
