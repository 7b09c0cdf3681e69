package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/XCP/xcpfolio-bot/internal/bitcoin"
	"github.com/XCP/xcpfolio-bot/internal/counterparty"
	"github.com/XCP/xcpfolio-bot/internal/metrics"
	"github.com/XCP/xcpfolio-bot/internal/prices"
	"github.com/XCP/xcpfolio-bot/internal/state"
)

const (
	// counterAsset is what listings are priced in.
	counterAsset = "XCP"

	// xcpUnit converts a table price into base units.
	xcpUnit = 100_000_000

	// staleUTXOAbortAfter aborts the run when the same spent outpoint
	// keeps rejecting composes; a prior transaction must confirm first.
	staleUTXOAbortAfter = 3
)

var outpointPattern = regexp.MustCompile(`[0-9a-fA-F]{64}:\d+`)

// Ledger is the slice of the Counterparty API maintenance consumes.
type Ledger interface {
	GetXcpfolioBalances(ctx context.Context, addr string) ([]counterparty.Balance, error)
	GetOpenOrderAssets(ctx context.Context, addr string) (map[string]bool, error)
	GetMempoolOrderAssets(ctx context.Context, addr string) (map[string]bool, error)
	ComposeOrder(ctx context.Context, src, giveAsset string, giveQty int64, getAsset string, getQty int64, expiration int, satPerVbyte float64, inputsSet []counterparty.UTXOInput) (*counterparty.ComposeResult, error)
}

// Chain is the slice of the Bitcoin API maintenance consumes.
type Chain interface {
	GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error)
	GetActualMinimumFeeRate(ctx context.Context) (float64, error)
	FetchUTXOs(ctx context.Context, addr string) ([]bitcoin.UTXO, error)
	BroadcastTransaction(ctx context.Context, signedHex string) (string, error)
}

// Signer matches the fulfillment signer.
type Signer interface {
	Sign(ctx context.Context, rawHex string) (*bitcoin.SignedTx, error)
}

// Notifier is the fire-and-forget event sink.
type Notifier interface {
	Warning(title, message string, fields map[string]string)
	Success(title, message string, fields map[string]string)
	Critical(title, message string, fields map[string]string)
}

// Result is the per-asset outcome of one maintenance run.
type Result struct {
	Asset   string  `json:"asset"`
	Price   float64 `json:"price"`
	Success bool    `json:"success"`
	Skipped bool    `json:"skipped"`
	Txid    string  `json:"txid,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Status is the read-only view for the status surface.
type Status struct {
	IsRunning    bool                         `json:"isRunning"`
	PricesLoaded bool                         `json:"pricesLoaded"`
	LastRun      time.Time                    `json:"lastRun"`
	ActiveOrders map[string]state.ActiveOrder `json:"activeOrders"`
	FailedAssets map[string]state.AssetFailure `json:"failedAssets"`
}

// Options configures the maintenance controller.
type Options struct {
	Address            string
	DryRun             bool
	MaxMempoolTxs      int
	OrderExpiration    int
	WaitAfterBroadcast time.Duration

	// VerifyDelay is how long to wait before checking that the mempool
	// reflects a broadcast listing.
	VerifyDelay time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxMempoolTxs <= 0 {
		opts.MaxMempoolTxs = 25
	}
	if opts.OrderExpiration <= 0 {
		opts.OrderExpiration = 8064
	}
	if opts.WaitAfterBroadcast <= 0 {
		opts.WaitAfterBroadcast = 10 * time.Second
	}
	if opts.VerifyDelay <= 0 {
		opts.VerifyDelay = 2 * time.Second
	}
	return opts
}

// Controller re-creates expired DEX sell orders for subassets we still
// hold, never duplicating an active listing.
type Controller struct {
	opts     Options
	ledger   Ledger
	chain    Chain
	signer   Signer
	mstate   *state.MaintenanceState
	lock     *state.DistributedLock
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu           sync.Mutex
	running      bool
	prices       prices.Table
	lastRun      time.Time
	failedAssets map[string]state.AssetFailure
}

// NewController wires the maintenance controller.
func NewController(opts Options, ledger Ledger, chain Chain, signer Signer, mstate *state.MaintenanceState, lock *state.DistributedLock, notifier Notifier, m *metrics.Metrics, logger zerolog.Logger) *Controller {
	return &Controller{
		opts:         opts.withDefaults(),
		ledger:       ledger,
		chain:        chain,
		signer:       signer,
		mstate:       mstate,
		lock:         lock,
		notifier:     notifier,
		metrics:      m,
		logger:       logger.With().Str("controller", "maintenance").Logger(),
		failedAssets: make(map[string]state.AssetFailure),
	}
}

// SetPrices installs the asset→price table used for new listings.
func (c *Controller) SetPrices(table prices.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices = table
}

// GetStatus returns the controller's read-only status.
func (c *Controller) GetStatus(ctx context.Context) Status {
	c.mu.Lock()
	status := Status{
		IsRunning:    c.running,
		PricesLoaded: len(c.prices) > 0,
		LastRun:      c.lastRun,
		FailedAssets: make(map[string]state.AssetFailure, len(c.failedAssets)),
	}
	for k, v := range c.failedAssets {
		status.FailedAssets[k] = v
	}
	c.mu.Unlock()

	if env, err := c.mstate.Load(ctx); err == nil {
		status.ActiveOrders = env.ActiveOrders
	}
	return status
}

// Run executes one maintenance tick. Returns immediately when another run
// holds either the in-process flag or the distributed lock.
func (c *Controller) Run(ctx context.Context) ([]Result, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, nil
	}
	c.running = true
	c.failedAssets = make(map[string]state.AssetFailure)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	acquired, err := c.lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire maintenance lock: %w", err)
	}
	if !acquired {
		c.logger.Info().Msg("Maintenance lock held elsewhere, skipping run")
		return nil, nil
	}
	defer func() {
		if err := c.lock.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn().Err(err).Msg("Maintenance lock release failed")
		}
	}()

	if c.metrics != nil {
		c.metrics.MaintenanceRuns.Inc()
	}
	return c.runLocked(ctx)
}

func (c *Controller) runLocked(ctx context.Context) ([]Result, error) {
	now := time.Now().UTC()
	c.mu.Lock()
	c.lastRun = now
	table := c.prices
	c.mu.Unlock()

	env, err := c.mstate.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load maintenance state: %w", err)
	}
	env.LastRun = now
	if err := c.mstate.Save(ctx, env); err != nil {
		return nil, fmt.Errorf("save maintenance state: %w", err)
	}

	unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.opts.Address)
	if err != nil {
		return nil, fmt.Errorf("unconfirmed tx count: %w", err)
	}
	if unconfirmed >= c.opts.MaxMempoolTxs {
		c.logger.Warn().Int("unconfirmed", unconfirmed).Msg("Mempool budget exhausted, skipping maintenance")
		return []Result{}, nil
	}

	// Listings are not latency-sensitive; use the cheapest rate the
	// mempool will accept, which may be below 1 sat/vB.
	feeRate, err := c.chain.GetActualMinimumFeeRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("minimum fee rate: %w", err)
	}

	// Pin compose to our current UTXO view so a stale ledger-side view
	// cannot pick already-spent inputs.
	utxos, err := c.chain.FetchUTXOs(ctx, c.opts.Address)
	if err != nil {
		return nil, fmt.Errorf("fetch utxos: %w", err)
	}
	inputsSet := make([]counterparty.UTXOInput, 0, len(utxos))
	for _, u := range utxos {
		if u.Status.Confirmed {
			inputsSet = append(inputsSet, counterparty.UTXOInput{TxID: u.Txid, Vout: u.Vout, Value: u.Value})
		}
	}

	balances, err := c.ledger.GetXcpfolioBalances(ctx, c.opts.Address)
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	confirmedOpen, err := c.ledger.GetOpenOrderAssets(ctx, c.opts.Address)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	mempoolOpen, err := c.ledger.GetMempoolOrderAssets(ctx, c.opts.Address)
	if err != nil {
		return nil, fmt.Errorf("mempool orders: %w", err)
	}

	// Observe, but do not clear, the active-order markers: every marker
	// still present blocks its asset this tick, expired or not.
	alreadyListed := make(map[string]bool)
	for a := range confirmedOpen {
		alreadyListed[a] = true
	}
	for a := range mempoolOpen {
		alreadyListed[a] = true
	}
	for a := range env.ActiveOrders {
		alreadyListed[a] = true
	}

	type candidate struct {
		asset     string
		giveAsset string
		price     float64
	}
	var toProcess []candidate
	for _, bal := range balances {
		short := strings.TrimPrefix(bal.AssetLongName, counterparty.SubassetPrefix)
		if alreadyListed[short] {
			continue
		}
		price, ok := table.PriceFor(short)
		if !ok {
			continue
		}
		toProcess = append(toProcess, candidate{asset: short, giveAsset: bal.Asset, price: price})
	}

	c.logger.Info().Int("held", len(balances)).Int("already_listed", len(alreadyListed)).
		Int("to_relist", len(toProcess)).Float64("fee_rate", feeRate).Msg("Maintenance scan complete")

	// With this tick's candidates fixed, drop markers past their TTL so
	// their assets become eligible on the next tick. Done here, under the
	// distributed lock, never as a side effect of reading.
	if removed, err := c.mstate.ExpireMarkers(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Marker expiry failed")
	} else if removed > 0 {
		c.logger.Info().Int("removed", removed).Msg("Expired active-order markers cleared")
	}

	if c.opts.DryRun {
		results := make([]Result, 0, len(toProcess))
		for _, cand := range toProcess {
			c.logger.Info().Str("asset", cand.asset).Float64("price", cand.price).Msg("Dry run, would relist")
			results = append(results, Result{Asset: cand.asset, Price: cand.price, Success: true, Txid: "dry-run"})
		}
		return results, nil
	}

	var results []Result
	processed := make(map[string]bool)
	staleCount := 0
	lastOutpoint := ""

	for _, cand := range toProcess {
		if ctx.Err() != nil {
			break
		}
		skip, err := c.shouldSkip(ctx, cand.asset, processed)
		if err != nil {
			results = append(results, Result{Asset: cand.asset, Price: cand.price, Error: err.Error()})
			continue
		}
		if skip {
			results = append(results, Result{Asset: cand.asset, Price: cand.price, Skipped: true})
			continue
		}

		res := c.relist(ctx, cand.asset, cand.giveAsset, cand.price, feeRate, inputsSet)
		processed[cand.asset] = true
		results = append(results, res)

		if res.Success {
			staleCount = 0
			time.Sleep(c.opts.WaitAfterBroadcast)
			continue
		}

		if c.metrics != nil {
			c.metrics.MaintenanceErrors.Inc()
		}
		c.recordFailure(cand.asset, res.Error)

		if isInsufficientFunds(res.Error) {
			c.notifier.Critical("Maintenance aborted", "insufficient funds while relisting",
				map[string]string{"asset": cand.asset, "error": res.Error})
			c.logger.Error().Str("asset", cand.asset).Msg("Insufficient funds, aborting maintenance run")
			break
		}
		if op := outpointPattern.FindString(res.Error); op != "" {
			if op == lastOutpoint {
				staleCount++
			} else {
				lastOutpoint = op
				staleCount = 1
			}
			if staleCount >= staleUTXOAbortAfter {
				c.logger.Error().Str("outpoint", op).Msg("Recurrent stale UTXO failure, aborting until a prior tx confirms")
				break
			}
		} else {
			staleCount = 0
			lastOutpoint = ""
		}
	}
	return results, nil
}

// shouldSkip re-checks every duplicate guard immediately before reserving
// an asset: the in-run set, a fresh durable read, and a fresh mempool read.
func (c *Controller) shouldSkip(ctx context.Context, asset string, processed map[string]bool) (bool, error) {
	if processed[asset] {
		return true, nil
	}
	env, err := c.mstate.LoadFresh(ctx)
	if err != nil {
		return false, err
	}
	if _, active := env.ActiveOrders[asset]; active {
		return true, nil
	}
	mempoolOpen, err := c.ledger.GetMempoolOrderAssets(ctx, c.opts.Address)
	if err != nil {
		return false, err
	}
	return mempoolOpen[asset], nil
}

// relist reserves, composes, signs, broadcasts, and verifies one listing.
// The durable marker is written before compose and retained on failure;
// its TTL is the only clearing mechanism.
func (c *Controller) relist(ctx context.Context, asset, giveAsset string, price, feeRate float64, inputsSet []counterparty.UTXOInput) Result {
	res := Result{Asset: asset, Price: price}
	logger := c.logger.With().Str("asset", asset).Logger()

	if err := c.mstate.MarkActive(ctx, state.ActiveOrder{
		Asset:         asset,
		Txid:          state.PendingTxid,
		BroadcastTime: time.Now().UTC(),
		Price:         price,
	}); err != nil {
		res.Error = fmt.Sprintf("reserve marker: %v", err)
		return res
	}

	getQty := int64(price * xcpUnit)
	composed, err := c.ledger.ComposeOrder(ctx, c.opts.Address, giveAsset, 1, counterAsset, getQty,
		c.opts.OrderExpiration, feeRate, inputsSet)
	if err != nil {
		return c.recoverOrFail(ctx, res, asset, "compose", err)
	}

	signed, err := c.signer.Sign(ctx, composed.RawTransaction)
	if err != nil {
		return c.recoverOrFail(ctx, res, asset, "sign", err)
	}

	txid, err := c.chain.BroadcastTransaction(ctx, signed.Hex)
	if err != nil {
		return c.recoverOrFail(ctx, res, asset, "broadcast", err)
	}
	if txid == "" {
		txid = signed.Txid
	}

	if err := c.mstate.UpdateActiveTxid(ctx, asset, txid); err != nil {
		logger.Warn().Err(err).Msg("Failed to record listing txid")
	}

	// Give the mempool a moment, then confirm the order is visible.
	time.Sleep(c.opts.VerifyDelay)
	if visible, err := c.orderVisible(ctx, asset); err != nil {
		logger.Warn().Err(err).Msg("Listing verification failed")
	} else if !visible {
		logger.Warn().Str("txid", txid).Msg("Listing broadcast but not yet visible in mempool")
	}

	if c.metrics != nil {
		c.metrics.OrdersRelisted.Inc()
	}
	c.notifier.Success("Listing re-created",
		fmt.Sprintf("asset %s listed at %.8f XCP", asset, price),
		map[string]string{"txid": txid})
	logger.Info().Str("txid", txid).Float64("price", price).Msg("Listing re-created")

	res.Success = true
	res.Txid = txid
	return res
}

// recoverOrFail double-checks the mempool after an error: if the order is
// visible anyway the broadcast succeeded and only the response was lost.
// Otherwise the durable marker stays; TTL expiry is the retry path.
func (c *Controller) recoverOrFail(ctx context.Context, res Result, asset, stage string, cause error) Result {
	time.Sleep(c.opts.VerifyDelay)
	if visible, err := c.orderVisible(ctx, asset); err == nil && visible {
		c.logger.Info().Str("asset", asset).Str("stage", stage).
			Msg("Listing visible in mempool despite error, treating as success")
		res.Success = true
		return res
	}
	res.Error = fmt.Sprintf("%s: %v", stage, cause)
	c.logger.Error().Str("asset", asset).Str("stage", stage).Err(cause).Msg("Relist failed, marker retained until TTL")
	return res
}

func (c *Controller) orderVisible(ctx context.Context, asset string) (bool, error) {
	mempoolOpen, err := c.ledger.GetMempoolOrderAssets(ctx, c.opts.Address)
	if err != nil {
		return false, err
	}
	return mempoolOpen[asset], nil
}

func (c *Controller) recordFailure(asset, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.failedAssets[asset]
	rec.Count++
	rec.LastError = errMsg
	rec.LastAttemptTime = time.Now().UTC()
	c.failedAssets[asset] = rec
}

// isInsufficientFunds classifies the error family that makes the rest of
// the run pointless.
func isInsufficientFunds(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"insufficient", "not enough", "no utxos", "balance"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
