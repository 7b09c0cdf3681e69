package bitcoin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestGetCurrentBlockHeight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blocks/tip/height" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, "840123")
	}))
	defer srv.Close()

	client := NewChainClient([]string{srv.URL}, zerolog.Nop())
	height, err := client.GetCurrentBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentBlockHeight failed: %v", err)
	}
	if height != 840123 {
		t.Errorf("height = %d, want 840123", height)
	}
}

func TestFeeRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"fastestFee": 20.4, "halfHourFee": 15, "hourFee": 10, "economyFee": 0.8, "minimumFee": 1}`)
	}))
	defer srv.Close()

	client := NewChainClient([]string{srv.URL}, zerolog.Nop())

	optimal, err := client.GetOptimalFeeRate(context.Background())
	if err != nil {
		t.Fatalf("GetOptimalFeeRate failed: %v", err)
	}
	if optimal != 21 {
		t.Errorf("optimal = %d, want ceil(20.4) = 21", optimal)
	}

	min, err := client.GetActualMinimumFeeRate(context.Background())
	if err != nil {
		t.Fatalf("GetActualMinimumFeeRate failed: %v", err)
	}
	if min != 0.8 {
		t.Errorf("minimum = %v, want the sub-1 economy rate", min)
	}
}

func TestGetUnconfirmedTxCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"mempool_stats": {"tx_count": 7}}`)
	}))
	defer srv.Close()

	client := NewChainClient([]string{srv.URL}, zerolog.Nop())
	count, err := client.GetUnconfirmedTxCount(context.Background(), "1Addr")
	if err != nil {
		t.Fatalf("GetUnconfirmedTxCount failed: %v", err)
	}
	if count != 7 {
		t.Errorf("count = %d, want 7", count)
	}
}

func TestIsInMempoolUnknownTx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewChainClient([]string{srv.URL}, zerolog.Nop())
	in, err := client.IsInMempool(context.Background(), "aa")
	if err != nil {
		t.Fatalf("IsInMempool on unknown tx must not error: %v", err)
	}
	if in {
		t.Error("unknown tx reported in mempool")
	}
}

func TestIsConfirmed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"txid": "aa", "status": {"confirmed": true, "block_height": 840000}}`)
	}))
	defer srv.Close()

	client := NewChainClient([]string{srv.URL}, zerolog.Nop())
	ok, err := client.IsConfirmed(context.Background(), "aa")
	if err != nil {
		t.Fatalf("IsConfirmed failed: %v", err)
	}
	if !ok {
		t.Error("confirmed tx reported unconfirmed")
	}
}

func TestBroadcastFallsBackAcrossEndpoints(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sendrawtransaction RPC error", http.StatusBadRequest)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tx" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, "c0ffee")
	}))
	defer good.Close()

	client := NewChainClient([]string{bad.URL, good.URL}, zerolog.Nop())
	txid, err := client.BroadcastTransaction(context.Background(), "0200beef")
	if err != nil {
		t.Fatalf("BroadcastTransaction failed: %v", err)
	}
	if txid != "c0ffee" {
		t.Errorf("txid = %q", txid)
	}
}

func TestBroadcastAlreadyInMempool(t *testing.T) {
	const embedded = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "txn-already-in-mempool: "+embedded, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewChainClient([]string{srv.URL}, zerolog.Nop())
	_, err := client.BroadcastTransaction(context.Background(), "0200beef")
	var already *AlreadyInMempoolError
	if !errors.As(err, &already) {
		t.Fatalf("error type = %T, want *AlreadyInMempoolError", err)
	}
	if already.Txid != embedded {
		t.Errorf("recovered txid = %q, want %q", already.Txid, embedded)
	}
}

func TestClassifyAlreadyInMempool(t *testing.T) {
	const txid = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	tests := []struct {
		name     string
		body     string
		already  bool
		wantTxid string
	}{
		{"bitcoind style", "txn-already-in-mempool: " + txid, true, txid},
		{"prose style", "Transaction already in mempool (" + txid + ")", true, txid},
		{"already without mempool", "output already spent", false, ""},
		{"mempool without already", "mempool full", false, ""},
		{"no txid in body", "already in mempool", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			already, got := classifyAlreadyInMempool(tt.body)
			if already != tt.already {
				t.Errorf("already = %v, want %v", already, tt.already)
			}
			if got != tt.wantTxid {
				t.Errorf("txid = %q, want %q", got, tt.wantTxid)
			}
		})
	}
}

func TestGetPrevOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"txid": "aa", "vout": [
			{"scriptpubkey": "76a914000000000000000000000000000000000000000088ac", "value": 5000}
		], "status": {"confirmed": true}}`)
	}))
	defer srv.Close()

	client := NewChainClient([]string{srv.URL}, zerolog.Nop())
	prev, err := client.GetPrevOut(context.Background(), "aa", 0)
	if err != nil {
		t.Fatalf("GetPrevOut failed: %v", err)
	}
	if prev.Value != 5000 || len(prev.PkScript) != 25 {
		t.Errorf("prevout = %+v", prev)
	}
	if _, err := client.GetPrevOut(context.Background(), "aa", 3); err == nil {
		t.Error("out-of-range vout must error")
	}
}
