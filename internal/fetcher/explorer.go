package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultPageSize     = 1000
	defaultResultWindow = 10000
	noTransactionsMsg   = "No transactions found"
)

// ExplorerOptions parameterise the block-explorer client.
type ExplorerOptions struct {
	BaseURL      string
	APIKey       string
	PageSize     int
	// ResultWindow caps page*offset for a single query range.
	ResultWindow int
	RateLimitRPS float64
	Timeout      time.Duration
	UserAgent    string
}

// Explorer talks to an Etherscan-compatible block-explorer API.
type Explorer struct {
	opts    ExplorerOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// BaseURL picks the explorer endpoint for a network.
func BaseURL(network, mainnetURL, testnetURL string) string {
	if strings.EqualFold(network, "testnet") {
		return testnetURL
	}
	return mainnetURL
}

// NewExplorer constructs an explorer client.
func NewExplorer(opts ExplorerOptions, logger zerolog.Logger) *Explorer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.ResultWindow <= 0 {
		opts.ResultWindow = defaultResultWindow
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}

	return &Explorer{
		opts:    opts,
		logger:  logger.With().Str("component", "explorer").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// BlockAtOrBefore resolves the closest block mined at or before ts.
func (e *Explorer) BlockAtOrBefore(ctx context.Context, ts time.Time) (uint64, error) {
	params := url.Values{}
	params.Set("module", "block")
	params.Set("action", "getblocknobytime")
	params.Set("timestamp", strconv.FormatInt(ts.Unix(), 10))
	params.Set("closest", "before")

	env, err := e.get(ctx, "getblocknobytime", params)
	if err != nil {
		return 0, err
	}
	if env.Status != "1" {
		return 0, &ChainLookupError{Op: "getblocknobytime", Err: envelopeError(env)}
	}

	var raw string
	if err := json.Unmarshal(env.Result, &raw); err != nil {
		return 0, &ChainLookupError{Op: "getblocknobytime", Err: fmt.Errorf("decode result: %w", err)}
	}
	block, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, &ChainLookupError{Op: "getblocknobytime", Err: fmt.Errorf("parse block number %q: %w", raw, err)}
	}
	return block, nil
}

// ListTransactions returns every transaction to contract in [fromBlock, toBlock],
// oldest first, walking pages until a short page is returned. When the result
// window is exhausted the walk restarts at the last block seen; transactions of
// that block are de-duplicated by hash.
func (e *Explorer) ListTransactions(ctx context.Context, contract string, fromBlock, toBlock uint64) ([]Transaction, error) {
	if contract == "" {
		return nil, &ChainLookupError{Op: "txlist", Err: errors.New("contract address required")}
	}
	if toBlock < fromBlock {
		return nil, &ChainLookupError{Op: "txlist", Err: fmt.Errorf("invalid block range %d..%d", fromBlock, toBlock)}
	}

	maxPages := e.opts.ResultWindow / e.opts.PageSize
	if maxPages < 1 {
		maxPages = 1
	}

	var all []Transaction
	seen := make(map[string]struct{})
	start := fromBlock
	for {
		var last uint64
		done := false
		for page := 1; page <= maxPages; page++ {
			batch, err := e.listPage(ctx, contract, start, toBlock, page)
			if err != nil {
				return nil, err
			}
			for _, tx := range batch {
				if _, dup := seen[tx.Hash]; dup {
					continue
				}
				seen[tx.Hash] = struct{}{}
				all = append(all, tx)
			}
			if len(batch) < e.opts.PageSize {
				done = true
				break
			}
			last = batch[len(batch)-1].BlockNumber
		}
		if done {
			break
		}
		if last <= start {
			return nil, &ChainLookupError{Op: "txlist", Err: fmt.Errorf("block %d holds more than %d transactions", start, e.opts.ResultWindow)}
		}
		e.logger.Debug().
			Str("contract", contract).
			Uint64("restart_block", last).
			Msg("result window exhausted; restarting pagination")
		start = last
	}

	e.logger.Debug().
		Str("contract", contract).
		Uint64("from_block", fromBlock).
		Uint64("to_block", toBlock).
		Int("count", len(all)).
		Msg("transactions listed")
	return all, nil
}

func (e *Explorer) listPage(ctx context.Context, contract string, fromBlock, toBlock uint64, page int) ([]Transaction, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "txlist")
	params.Set("address", contract)
	params.Set("startblock", strconv.FormatUint(fromBlock, 10))
	params.Set("endblock", strconv.FormatUint(toBlock, 10))
	params.Set("page", strconv.Itoa(page))
	params.Set("offset", strconv.Itoa(e.opts.PageSize))
	params.Set("sort", "asc")

	env, err := e.get(ctx, "txlist", params)
	if err != nil {
		return nil, err
	}
	if env.Status != "1" {
		if strings.EqualFold(strings.TrimSpace(env.Message), noTransactionsMsg) {
			return nil, nil
		}
		return nil, &ChainLookupError{Op: "txlist", Err: envelopeError(env)}
	}

	var txs []Transaction
	if err := json.Unmarshal(env.Result, &txs); err != nil {
		return nil, &ChainLookupError{Op: "txlist", Err: fmt.Errorf("decode result: %w", err)}
	}
	return txs, nil
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (e *Explorer) get(ctx context.Context, op string, params url.Values) (envelope, error) {
	if e.baseURL == "" {
		return envelope{}, &ChainLookupError{Op: op, Err: errors.New("explorer base url not configured")}
	}
	if e.opts.APIKey != "" {
		params.Set("apikey", e.opts.APIKey)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return envelope{}, &ChainLookupError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return envelope{}, &ChainLookupError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return envelope{}, &ChainLookupError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, &ChainLookupError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return envelope{}, &ChainLookupError{Op: op, Err: parseHTTPError(resp.StatusCode, payload)}
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, &ChainLookupError{Op: op, Err: fmt.Errorf("decode body: %w", err)}
	}
	return env, nil
}

func envelopeError(env envelope) error {
	var detail string
	if err := json.Unmarshal(env.Result, &detail); err == nil && detail != "" {
		return fmt.Errorf("explorer status %s: %s: %s", env.Status, env.Message, detail)
	}
	return fmt.Errorf("explorer status %s: %s", env.Status, env.Message)
}

func parseHTTPError(status int, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Message != "" {
		return fmt.Errorf("explorer http %d: %s", status, env.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("explorer http %d: %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("explorer http %d", status)
}

var _ BlockResolver = (*Explorer)(nil)
var _ TransactionLister = (*Explorer)(nil)
