package maintenance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/XCP/xcpfolio-bot/internal/bitcoin"
	"github.com/XCP/xcpfolio-bot/internal/counterparty"
	"github.com/XCP/xcpfolio-bot/internal/prices"
	"github.com/XCP/xcpfolio-bot/internal/state"
)

const ourAddr = "1SellerAddr"

type orderCall struct {
	giveAsset string
	giveQty   int64
	getAsset  string
	getQty    int64
	expiration int
	rate      float64
	inputs    []counterparty.UTXOInput
}

type fakeLedger struct {
	mu          sync.Mutex
	balances    []counterparty.Balance
	openOrders  map[string]bool
	mempoolOpen map[string]bool
	orderCalls  []orderCall
	composeErrs []error // consumed in call order; nil entries succeed

	// visibleOnComposeErr marks this asset mempool-visible the moment a
	// compose error fires, modeling a broadcast whose response was lost.
	visibleOnComposeErr string
}

func (f *fakeLedger) GetXcpfolioBalances(context.Context, string) ([]counterparty.Balance, error) {
	return f.balances, nil
}
func (f *fakeLedger) GetOpenOrderAssets(context.Context, string) (map[string]bool, error) {
	if f.openOrders == nil {
		return map[string]bool{}, nil
	}
	return f.openOrders, nil
}
func (f *fakeLedger) GetMempoolOrderAssets(context.Context, string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mempoolOpen == nil {
		return map[string]bool{}, nil
	}
	out := make(map[string]bool, len(f.mempoolOpen))
	for k, v := range f.mempoolOpen {
		out[k] = v
	}
	return out, nil
}
func (f *fakeLedger) ComposeOrder(_ context.Context, _, giveAsset string, giveQty int64, getAsset string, getQty int64, expiration int, rate float64, inputs []counterparty.UTXOInput) (*counterparty.ComposeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := orderCall{giveAsset: giveAsset, giveQty: giveQty, getAsset: getAsset, getQty: getQty,
		expiration: expiration, rate: rate, inputs: inputs}
	f.orderCalls = append(f.orderCalls, call)
	if len(f.composeErrs) > 0 {
		err := f.composeErrs[0]
		f.composeErrs = f.composeErrs[1:]
		if err != nil {
			if f.visibleOnComposeErr != "" {
				if f.mempoolOpen == nil {
					f.mempoolOpen = map[string]bool{}
				}
				f.mempoolOpen[f.visibleOnComposeErr] = true
			}
			return nil, err
		}
	}
	return &counterparty.ComposeResult{RawTransaction: "0200cafe"}, nil
}

type fakeChain struct {
	unconfirmed int
	minRate     float64
	utxos       []bitcoin.UTXO
	broadcastN  int
}

func (f *fakeChain) GetUnconfirmedTxCount(context.Context, string) (int, error) {
	return f.unconfirmed, nil
}
func (f *fakeChain) GetActualMinimumFeeRate(context.Context) (float64, error) {
	return f.minRate, nil
}
func (f *fakeChain) FetchUTXOs(context.Context, string) ([]bitcoin.UTXO, error) {
	return f.utxos, nil
}
func (f *fakeChain) BroadcastTransaction(context.Context, string) (string, error) {
	f.broadcastN++
	return fmt.Sprintf("listing-%d", f.broadcastN), nil
}

type fakeSigner struct{}

func (fakeSigner) Sign(context.Context, string) (*bitcoin.SignedTx, error) {
	return &bitcoin.SignedTx{Hex: "02deadbeef", Txid: "signed", Vsize: 300, Fee: 150}, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	criticals []string
}

func (f *fakeNotifier) Warning(string, string, map[string]string) {}
func (f *fakeNotifier) Success(string, string, map[string]string) {}
func (f *fakeNotifier) Critical(title, _ string, _ map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.criticals = append(f.criticals, title)
}

type fixture struct {
	ledger   *fakeLedger
	chain    *fakeChain
	notifier *fakeNotifier
	store    *state.Store
	mstate   *state.MaintenanceState
	ctl      *Controller
}

func balance(short string) counterparty.Balance {
	return counterparty.Balance{
		Address:       ourAddr,
		Asset:         "A_" + short,
		AssetLongName: "XCPFOLIO." + short,
		Quantity:      1,
	}
}

func confirmedUTXO(txid string, value int64) bitcoin.UTXO {
	u := bitcoin.UTXO{Txid: txid, Vout: 0, Value: value}
	u.Status.Confirmed = true
	return u
}

func newFixture(t *testing.T, mutate func(*fixture)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := state.NewStore("redis://"+mr.Addr(), "", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		ledger: &fakeLedger{
			balances: []counterparty.Balance{balance("PEPE"), balance("RARE")},
		},
		chain: &fakeChain{
			minRate: 0.5,
			utxos:   []bitcoin.UTXO{confirmedUTXO("aa", 50000), {Txid: "bb", Vout: 1, Value: 1000}},
		},
		notifier: &fakeNotifier{},
		store:    store,
		mstate:   state.NewMaintenanceState(store),
	}
	if mutate != nil {
		mutate(f)
	}
	f.ctl = NewController(Options{
		Address:            ourAddr,
		WaitAfterBroadcast: time.Millisecond,
		VerifyDelay:        time.Millisecond,
	}, f.ledger, f.chain, fakeSigner{}, f.mstate,
		state.NewDistributedLock(store, state.MaintenanceLockKey, time.Minute),
		f.notifier, nil, zerolog.Nop())
	f.ctl.SetPrices(prices.Table{"PEPE": 1.5, "RARE": 3})
	return f
}

func TestRelistHappyPath(t *testing.T) {
	f := newFixture(t, nil)

	results, err := f.ctl.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.True(t, res.Success, "asset %s: %s", res.Asset, res.Error)
	}

	require.Len(t, f.ledger.orderCalls, 2)
	call := f.ledger.orderCalls[0]
	require.Equal(t, "A_PEPE", call.giveAsset)
	require.Equal(t, int64(1), call.giveQty)
	require.Equal(t, "XCP", call.getAsset)
	require.Equal(t, int64(150000000), call.getQty) // 1.5 XCP
	require.Equal(t, 8064, call.expiration)
	require.Equal(t, 0.5, call.rate, "maintenance uses the true minimum rate")
	// Only confirmed UTXOs are pinned into the inputs set.
	require.Len(t, call.inputs, 1)
	require.Equal(t, "aa", call.inputs[0].TxID)

	env, err := f.mstate.LoadFresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "listing-1", env.ActiveOrders["PEPE"].Txid)
	require.Equal(t, "listing-2", env.ActiveOrders["RARE"].Txid)
}

func TestNoDuplicateListings(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.ledger.balances = []counterparty.Balance{balance("PEPE"), balance("CONF"), balance("MEM"), balance("TRACKED")}
		f.ledger.openOrders = map[string]bool{"CONF": true}
		f.ledger.mempoolOpen = map[string]bool{"MEM": true}
	})
	f.ctl.SetPrices(prices.Table{"PEPE": 1, "CONF": 1, "MEM": 1, "TRACKED": 1})
	require.NoError(t, f.mstate.MarkActive(context.Background(), state.ActiveOrder{
		Asset: "TRACKED", Txid: "t0", BroadcastTime: time.Now().UTC(), Price: 1,
	}))

	results, err := f.ctl.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.ledger.orderCalls, 1, "only the unlisted asset composes")
	require.Equal(t, "A_PEPE", f.ledger.orderCalls[0].giveAsset)
	require.Len(t, results, 1)
}

func TestExpiredMarkerStillBlocksObservingRun(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.ledger.balances = []counterparty.Balance{balance("PEPE")}
	})
	f.ctl.SetPrices(prices.Table{"PEPE": 1})

	// A marker past its TTL, e.g. a listing broadcast 3 h ago that may
	// still be open on-chain.
	env, err := f.mstate.Load(context.Background())
	require.NoError(t, err)
	env.ActiveOrders["PEPE"] = state.ActiveOrder{
		Asset:         "PEPE",
		Txid:          "old-listing",
		BroadcastTime: time.Now().UTC().Add(-3 * time.Hour),
		Price:         1,
	}
	require.NoError(t, f.mstate.Save(context.Background(), env))

	results, err := f.ctl.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, f.ledger.orderCalls, "a marker observed this tick blocks its asset, expired or not")
	require.Empty(t, results)

	// The run cleared the expired marker durably, so the next tick is
	// free to relist.
	got, err := f.mstate.LoadFresh(context.Background())
	require.NoError(t, err)
	require.NotContains(t, got.ActiveOrders, "PEPE")

	f.ledger.mu.Lock()
	f.ledger.orderCalls = nil
	f.ledger.mu.Unlock()
	results, err = f.ctl.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
}

func TestUnpricedAssetSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.SetPrices(prices.Table{"PEPE": 2})

	results, err := f.ctl.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1, "RARE has no price and must not be listed")
	require.Equal(t, "PEPE", results[0].Asset)
}

func TestMarkerWrittenBeforeComposeAndRetainedOnFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.ledger.balances = []counterparty.Balance{balance("PEPE")}
		f.ledger.composeErrs = []error{fmt.Errorf("compose rejected")}
	})

	results, err := f.ctl.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Success)

	env, err := f.mstate.LoadFresh(context.Background())
	require.NoError(t, err)
	marker, ok := env.ActiveOrders["PEPE"]
	require.True(t, ok, "failure must retain the marker; TTL is the only clearing mechanism")
	require.Equal(t, state.PendingTxid, marker.Txid)
}

func TestBroadcastVisibleDespiteErrorIsSuccess(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.ledger.balances = []counterparty.Balance{balance("PEPE")}
		f.ledger.composeErrs = []error{fmt.Errorf("gateway timeout")}
		f.ledger.visibleOnComposeErr = "PEPE"
	})

	results, err := f.ctl.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success, "mempool-visible listing counts as success")
}

func TestInsufficientFundsAbortsRun(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.ledger.composeErrs = []error{fmt.Errorf("insufficient BTC at address %s", ourAddr)}
	})

	results, err := f.ctl.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.ledger.orderCalls, 1, "run aborts after the first insufficient-funds error")
	require.Len(t, results, 1)
	f.notifier.mu.Lock()
	require.Contains(t, f.notifier.criticals, "Maintenance aborted")
	f.notifier.mu.Unlock()
}

func TestStaleUTXOAbortsAfterThree(t *testing.T) {
	const outpoint = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855:0"
	stale := fmt.Errorf("inputs already spent: %s", outpoint)
	f := newFixture(t, func(f *fixture) {
		f.ledger.balances = []counterparty.Balance{
			balance("A1X"), balance("A2X"), balance("A3X"), balance("A4X"),
		}
		f.ledger.composeErrs = []error{stale, stale, stale, nil}
	})
	f.ctl.SetPrices(prices.Table{"A1X": 1, "A2X": 1, "A3X": 1, "A4X": 1})

	_, err := f.ctl.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, f.ledger.orderCalls, 3, "third identical stale-UTXO failure aborts the run")
}

func TestMempoolCapacitySkipsRun(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.chain.unconfirmed = 25
	})

	results, err := f.ctl.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, results)
	require.Empty(t, f.ledger.orderCalls)
}

func TestDistributedLockBlocksSecondRunner(t *testing.T) {
	f := newFixture(t, nil)

	other := state.NewDistributedLock(f.store, state.MaintenanceLockKey, time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	results, err := f.ctl.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, results, "held lock must skip the run")
	require.Empty(t, f.ledger.orderCalls)
}

func TestLockReleasedAfterRun(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.ledger.balances = nil
	})

	_, err := f.ctl.Run(context.Background())
	require.NoError(t, err)

	other := state.NewDistributedLock(f.store, state.MaintenanceLockKey, time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "lock must be released on every exit path")
}

func TestDryRun(t *testing.T) {
	f := newFixture(t, nil)
	f.ctl.opts.DryRun = true

	results, err := f.ctl.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.True(t, res.Success)
		require.Equal(t, "dry-run", res.Txid)
	}
	require.Empty(t, f.ledger.orderCalls)
	require.Zero(t, f.chain.broadcastN)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	status := f.ctl.GetStatus(context.Background())
	require.False(t, status.IsRunning)
	require.True(t, status.PricesLoaded)

	_, err := f.ctl.Run(context.Background())
	require.NoError(t, err)
	status = f.ctl.GetStatus(context.Background())
	require.False(t, status.LastRun.IsZero())
	require.Len(t, status.ActiveOrders, 2)
}
