package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestExplorer(url string, pageSize int) *Explorer {
	return NewExplorer(ExplorerOptions{
		BaseURL:  url,
		APIKey:   "key",
		PageSize: pageSize,
		Timeout:  time.Second,
	}, noopLogger())
}

func TestBaseURL(t *testing.T) {
	if got := BaseURL("mainnet", "m", "t"); got != "m" {
		t.Fatalf("mainnet should pick mainnet url, got %q", got)
	}
	if got := BaseURL("TESTNET", "m", "t"); got != "t" {
		t.Fatalf("testnet should pick testnet url, got %q", got)
	}
}

func TestBlockAtOrBefore(t *testing.T) {
	ts := time.Date(2021, 3, 19, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("module") != "block" || q.Get("action") != "getblocknobytime" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Get("timestamp") != strconv.FormatInt(ts.Unix(), 10) {
			t.Errorf("timestamp = %s", q.Get("timestamp"))
		}
		if q.Get("closest") != "before" {
			t.Errorf("closest = %s", q.Get("closest"))
		}
		if q.Get("apikey") != "key" {
			t.Errorf("apikey missing")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "1", "message": "OK", "result": "12070000"})
	}))
	defer srv.Close()

	block, err := newTestExplorer(srv.URL, 1000).BlockAtOrBefore(context.Background(), ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if block != 12070000 {
		t.Fatalf("block = %d, want 12070000", block)
	}
}

func TestBlockAtOrBeforeErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http 500": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"status 0": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "0", "message": "NOTOK", "result": "Max rate limit reached"})
		},
		"malformed body": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html>")
		},
		"non numeric": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "1", "message": "OK", "result": "soon"})
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			_, err := newTestExplorer(srv.URL, 1000).BlockAtOrBefore(context.Background(), time.Now())
			var lookupErr *ChainLookupError
			if !errors.As(err, &lookupErr) {
				t.Fatalf("expected ChainLookupError, got %v", err)
			}
		})
	}
}

func TestListTransactionsPaginates(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		q := r.URL.Query()
		if q.Get("action") != "txlist" || q.Get("sort") != "asc" || q.Get("offset") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Get("startblock") != "100" || q.Get("endblock") != "200" {
			t.Errorf("unexpected range %s", r.URL.RawQuery)
		}

		var result []map[string]string
		switch q.Get("page") {
		case "1":
			result = []map[string]string{
				{"hash": "0x1", "blockNumber": "101", "timeStamp": "1616112000", "from": "0xa", "functionName": "transfer(address _to, uint256 _value)", "txreceipt_status": "1"},
				{"hash": "0x2", "blockNumber": "102", "timeStamp": "1616112010", "from": "0xb", "functionName": "approve(address,uint256)", "txreceipt_status": "0"},
			}
		case "2":
			result = []map[string]string{
				{"hash": "0x3", "blockNumber": "150", "timeStamp": "1616112100", "from": "0xc", "functionName": "", "txreceipt_status": "1"},
			}
		default:
			t.Errorf("unexpected page %s", q.Get("page"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "1", "message": "OK", "result": result})
	}))
	defer srv.Close()

	txs, err := newTestExplorer(srv.URL, 2).ListTransactions(context.Background(), "0xcontract", 100, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(txs))
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 page requests, got %d", calls)
	}
	if txs[0].BlockNumber != 101 || txs[0].From != "0xa" || txs[0].TxReceiptStatus != "1" {
		t.Fatalf("first transaction decoded wrong: %+v", txs[0])
	}
	if txs[2].BlockNumber != 150 {
		t.Fatalf("last transaction decoded wrong: %+v", txs[2])
	}
}

func TestListTransactionsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "0", "message": "No transactions found", "result": []any{}})
	}))
	defer srv.Close()

	txs, err := newTestExplorer(srv.URL, 1000).ListTransactions(context.Background(), "0xcontract", 1, 2)
	if err != nil {
		t.Fatalf("empty window should not fail: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected no transactions, got %d", len(txs))
	}
}

func TestListTransactionsInvalidRange(t *testing.T) {
	e := newTestExplorer("http://unused", 1000)
	if _, err := e.ListTransactions(context.Background(), "0xcontract", 10, 9); err == nil {
		t.Fatal("inverted range should fail")
	}
	if _, err := e.ListTransactions(context.Background(), "", 1, 2); err == nil {
		t.Fatal("missing contract should fail")
	}
}

func TestExplorerMissingBaseURL(t *testing.T) {
	e := newTestExplorer("", 1000)
	var lookupErr *ChainLookupError
	if _, err := e.BlockAtOrBefore(context.Background(), time.Now()); !errors.As(err, &lookupErr) {
		t.Fatalf("expected ChainLookupError, got %v", err)
	}
}

// windowedExplorer serves txs like an explorer that rejects page*offset beyond window.
func windowedExplorer(t *testing.T, txs []map[string]string, window int, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		q := r.URL.Query()
		start, _ := strconv.ParseUint(q.Get("startblock"), 10, 64)
		end, _ := strconv.ParseUint(q.Get("endblock"), 10, 64)
		page, _ := strconv.Atoi(q.Get("page"))
		offset, _ := strconv.Atoi(q.Get("offset"))

		if page*offset > window {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":  "0",
				"message": "NOTOK",
				"result":  fmt.Sprintf("Result window is too large, PageNo x Offset size must be less than or equal to %d", window),
			})
			return
		}

		var matched []map[string]string
		for _, tx := range txs {
			block, _ := strconv.ParseUint(tx["blockNumber"], 10, 64)
			if block >= start && block <= end {
				matched = append(matched, tx)
			}
		}
		lo := (page - 1) * offset
		if lo >= len(matched) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "0", "message": "No transactions found", "result": []any{}})
			return
		}
		hi := lo + offset
		if hi > len(matched) {
			hi = len(matched)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "1", "message": "OK", "result": matched[lo:hi]})
	}))
}

func TestListTransactionsRestartsPastResultWindow(t *testing.T) {
	var txs []map[string]string
	for i := 0; i < 25; i++ {
		txs = append(txs, map[string]string{
			"hash":             fmt.Sprintf("0x%02d", i),
			"blockNumber":      strconv.Itoa(100 + i/3),
			"timeStamp":        "1616112000",
			"from":             "0xa",
			"txreceipt_status": "1",
		})
	}
	var calls int32
	srv := windowedExplorer(t, txs, 10, &calls)
	defer srv.Close()

	e := NewExplorer(ExplorerOptions{BaseURL: srv.URL, PageSize: 2, ResultWindow: 10, Timeout: time.Second}, noopLogger())
	got, err := e.ListTransactions(context.Background(), "0xcontract", 100, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != len(txs) {
		t.Fatalf("expected %d transactions, got %d", len(txs), len(got))
	}
	for i, tx := range got {
		if want := fmt.Sprintf("0x%02d", i); tx.Hash != want {
			t.Fatalf("transaction %d = %s, want %s", i, tx.Hash, want)
		}
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected several page requests, got %d", calls)
	}
}

func TestListTransactionsSingleBlockOverflow(t *testing.T) {
	var txs []map[string]string
	for i := 0; i < 12; i++ {
		txs = append(txs, map[string]string{
			"hash":             fmt.Sprintf("0x%02d", i),
			"blockNumber":      "100",
			"timeStamp":        "1616112000",
			"txreceipt_status": "1",
		})
	}
	var calls int32
	srv := windowedExplorer(t, txs, 10, &calls)
	defer srv.Close()

	e := NewExplorer(ExplorerOptions{BaseURL: srv.URL, PageSize: 2, ResultWindow: 10, Timeout: time.Second}, noopLogger())
	var lookupErr *ChainLookupError
	if _, err := e.ListTransactions(context.Background(), "0xcontract", 100, 200); !errors.As(err, &lookupErr) {
		t.Fatalf("expected ChainLookupError, got %v", err)
	}
}
