package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/XCP/xcpfolio-bot/internal/bitcoin"
	"github.com/XCP/xcpfolio-bot/internal/counterparty"
	"github.com/XCP/xcpfolio-bot/internal/metrics"
	"github.com/XCP/xcpfolio-bot/internal/orderhistory"
	"github.com/XCP/xcpfolio-bot/internal/state"
)

const (
	// scanStopAfterProcessed short-circuits the newest-first walk once this
	// many consecutive already-processed orders are seen, so a tick never
	// rescans ancient history. Documented limitation: a newly filled order
	// older than a processed backlog tail can be missed.
	scanStopAfterProcessed = 10

	// cleanupEveryBlocks spaces out processed-set truncation.
	cleanupEveryBlocks = 100

	// orderPageSize is the ledger pagination unit.
	orderPageSize = 100

	// defaultEstimatedVsize approximates a transfer issuance when the real
	// vsize is not yet known (pre-sign fee capping).
	defaultEstimatedVsize = 300

	// rbfRateCeiling is the protective absolute cap on any replacement rate.
	rbfRateCeiling = 500
)

// Options configures the fulfillment controller.
type Options struct {
	Address            string
	DryRun             bool
	MaxMempoolTxs      int
	ComposeCooldown    time.Duration
	RBFEnabled         bool
	StuckTxThreshold   int64
	MaxTotalFeeSats    int64
	MaxFeeRateForNewTx int64
	EstimatedVsize     int64
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxMempoolTxs <= 0 {
		opts.MaxMempoolTxs = 25
	}
	if opts.ComposeCooldown <= 0 {
		opts.ComposeCooldown = 10 * time.Second
	}
	if opts.StuckTxThreshold <= 0 {
		opts.StuckTxThreshold = 3
	}
	if opts.MaxTotalFeeSats <= 0 {
		opts.MaxTotalFeeSats = 10000
	}
	if opts.MaxFeeRateForNewTx <= 0 {
		opts.MaxFeeRateForNewTx = 100
	}
	if opts.EstimatedVsize <= 0 {
		opts.EstimatedVsize = defaultEstimatedVsize
	}
	return opts
}

// Controller drives the order→transfer state machine: discovery, dedup,
// compose, sign, broadcast, reconciliation, and RBF escalation.
type Controller struct {
	opts     Options
	ledger   Ledger
	chain    Chain
	signer   Signer
	fstate   *state.FulfillmentState
	notifier Notifier
	history  History
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	doneCh  chan struct{}

	stopRequested atomic.Bool
	lastRun       atomic.Int64 // unix seconds

	// activeTxs and failures are written only by the running controller
	// and read by the status surface via Snapshot copies.
	activeMu  sync.Mutex
	activeTxs map[string]*ActiveTx

	failures *retryTracker

	composeMu       sync.Mutex
	lastComposeTime time.Time
}

// NewController wires the controller. metrics may be nil; notifier and
// history are required (use the no-op notifier when no webhook is set).
func NewController(opts Options, ledger Ledger, chain Chain, signer Signer, fstate *state.FulfillmentState, notifier Notifier, history History, m *metrics.Metrics, logger zerolog.Logger) *Controller {
	return &Controller{
		opts:      opts.withDefaults(),
		ledger:    ledger,
		chain:     chain,
		signer:    signer,
		fstate:    fstate,
		notifier:  notifier,
		history:   history,
		metrics:   m,
		logger:    logger.With().Str("controller", "fulfillment").Logger(),
		activeTxs: make(map[string]*ActiveTx),
		failures:  newRetryTracker(),
	}
}

// RequestStop sets the cooperative shutdown flag, honored between orders.
func (c *Controller) RequestStop() {
	c.stopRequested.Store(true)
}

// GetState returns a consistent read-only snapshot.
func (c *Controller) GetState() Snapshot {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	c.activeMu.Lock()
	active := make([]ActiveTx, 0, len(c.activeTxs))
	for _, tx := range c.activeTxs {
		cp := *tx
		cp.RBFHistory = append([]string(nil), tx.RBFHistory...)
		active = append(active, cp)
	}
	c.activeMu.Unlock()
	sort.Slice(active, func(i, j int) bool { return active[i].BroadcastTime.Before(active[j].BroadcastTime) })

	var last time.Time
	if s := c.lastRun.Load(); s > 0 {
		last = time.Unix(s, 0).UTC()
	}
	return Snapshot{
		Running:      running,
		LastRun:      last,
		ActiveTxs:    active,
		FailedOrders: c.failures.snapshot(),
	}
}

// Process is the single entry point for one fulfillment run. If a run is
// already in progress in this process, the caller waits for it and
// receives an empty result list.
func (c *Controller) Process(ctx context.Context) ([]Result, error) {
	c.mu.Lock()
	if c.running {
		done := c.doneCh
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil, nil
	}
	c.running = true
	c.doneCh = make(chan struct{})
	done := c.doneCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	started := time.Now()
	results, err := c.run(ctx)
	c.lastRun.Store(time.Now().Unix())
	if c.metrics != nil {
		c.metrics.RunDuration.Observe(time.Since(started).Seconds())
	}
	return results, err
}

// run executes one full tick: backpressure check, reconciliation, RBF,
// discovery, and the per-order pipeline.
func (c *Controller) run(ctx context.Context) ([]Result, error) {
	// Mempool budget gate. At capacity nothing is composed this tick.
	unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.opts.Address)
	if err != nil {
		return nil, fmt.Errorf("unconfirmed tx count: %w", err)
	}
	if c.metrics != nil {
		c.metrics.UnconfirmedTxs.Set(float64(unconfirmed))
	}
	if unconfirmed >= c.opts.MaxMempoolTxs {
		c.logger.Warn().Int("unconfirmed", unconfirmed).Int("max", c.opts.MaxMempoolTxs).
			Msg("Mempool budget exhausted, skipping run")
		c.notifier.Warning("Mempool at capacity",
			fmt.Sprintf("%d unconfirmed transactions, max %d", unconfirmed, c.opts.MaxMempoolTxs), nil)
		return []Result{}, nil
	}

	currentBlock, err := c.chain.GetCurrentBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain tip: %w", err)
	}

	pending, err := c.ledger.GetMempoolTransfers(ctx, c.opts.Address)
	if err != nil {
		return nil, fmt.Errorf("mempool transfers: %w", err)
	}
	pendingKeys := make(map[string]bool, len(pending))
	for _, p := range pending {
		pendingKeys[p.Asset+"|"+p.Buyer] = true
	}

	env, err := c.fstate.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load fulfillment state: %w", err)
	}
	if currentBlock-env.LastCleanup >= cleanupEveryBlocks {
		env.Truncate(0)
		env.LastCleanup = currentBlock
		if err := c.fstate.Save(ctx, env); err != nil {
			return nil, fmt.Errorf("save after cleanup: %w", err)
		}
	}

	// Active transactions reconcile before any new order is enqueued.
	c.reconcileActive(ctx)
	c.detectStuck(currentBlock)
	if c.opts.RBFEnabled {
		c.escalateFlagged(ctx, currentBlock)
	}

	c.publishMempoolBuyOrders(ctx)

	orders, err := c.fetchFilledOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch filled orders: %w", err)
	}
	if c.metrics != nil {
		c.metrics.OrdersSeen.Add(float64(len(orders)))
	}

	queue := c.scanForUnprocessed(orders, env)

	// Drain the backlog in submission order.
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].BlockIndex != queue[j].BlockIndex {
			return queue[i].BlockIndex < queue[j].BlockIndex
		}
		return queue[i].TxIndex < queue[j].TxIndex
	})

	results := make([]Result, 0, len(queue))
	for _, order := range queue {
		if c.stopRequested.Load() || ctx.Err() != nil {
			c.logger.Info().Msg("Stop requested, ending run early")
			break
		}
		unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.opts.Address)
		if err != nil {
			return results, fmt.Errorf("unconfirmed tx count: %w", err)
		}
		if unconfirmed >= c.opts.MaxMempoolTxs {
			c.logger.Warn().Msg("Mempool budget exhausted mid-run")
			break
		}
		results = append(results, c.processOrder(ctx, order, currentBlock, pendingKeys, env))
	}

	env.SetLastBlock(currentBlock)
	if len(orders) > 0 {
		env.LastOrderHash = orders[0].TxHash
	}
	if err := c.fstate.Save(ctx, env); err != nil {
		return results, fmt.Errorf("save fulfillment state: %w", err)
	}
	if c.metrics != nil {
		c.activeMu.Lock()
		c.metrics.ActiveTxs.Set(float64(len(c.activeTxs)))
		c.activeMu.Unlock()
	}
	return results, nil
}

// fetchFilledOrders pages through our filled orders newest first until a
// short page.
func (c *Controller) fetchFilledOrders(ctx context.Context) ([]counterparty.Order, error) {
	var all []counterparty.Order
	offset := 0
	for {
		page, err := c.ledger.GetOrdersByAddress(ctx, c.opts.Address, "filled", orderPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < orderPageSize {
			return all, nil
		}
		offset += orderPageSize
	}
}

// scanForUnprocessed walks the newest-first order list collecting orders
// not yet in the processed set, stopping after a run of consecutive
// already-processed ones.
func (c *Controller) scanForUnprocessed(orders []counterparty.Order, env *state.FulfillmentEnvelope) []counterparty.Order {
	var queue []counterparty.Order
	consecutive := 0
	for _, order := range orders {
		if env.IsProcessed(order.TxHash) {
			consecutive++
			if consecutive >= scanStopAfterProcessed {
				break
			}
			continue
		}
		consecutive = 0
		queue = append(queue, order)
	}
	return queue
}

// publishMempoolBuyOrders records unconfirmed bids for the status UI.
// Display only; failures are logged and ignored.
func (c *Controller) publishMempoolBuyOrders(ctx context.Context) {
	buys, err := c.ledger.GetMempoolBuyOrders(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Mempool buy-order discovery failed")
		return
	}
	for _, ev := range buys {
		c.history.Publish(ctx, orderhistory.Record{
			OrderHash: ev.TxHash,
			Asset:     strings.TrimPrefix(ev.Bindings.GetAssetLongName(), counterparty.SubassetPrefix),
			Buyer:     ev.Bindings.Source,
			Status:    orderhistory.StatusPending,
		})
	}
}

// processOrder runs the transfer pipeline for one order.
func (c *Controller) processOrder(ctx context.Context, order counterparty.Order, currentBlock int64, pendingKeys map[string]bool, env *state.FulfillmentEnvelope) Result {
	asset := order.ShortAssetName()
	res := Result{OrderHash: order.TxHash, Asset: asset}

	fail := func(stage Stage, err error) Result {
		res.Success = false
		res.Stage = stage
		res.Error = err.Error()
		count, alert := c.failures.recordFailure(order.TxHash, stage, err.Error(), time.Now())
		if c.metrics != nil {
			c.metrics.FailuresByStage.WithLabelValues(string(stage)).Inc()
		}
		c.logger.Error().Err(err).Str("order", order.TxHash).Str("stage", string(stage)).
			Int("failures", count).Msg("Order processing failed")
		if alert {
			c.notifier.Critical("Order repeatedly failing",
				fmt.Sprintf("order %s failed %d times at stage %s", order.TxHash, count, stage),
				map[string]string{"asset": asset, "error": err.Error()})
		}
		return res
	}

	// Stage 1 — validate.
	if order.Status != "filled" {
		return fail(StageValidation, fmt.Errorf("order status is %q, want filled", order.Status))
	}
	if !order.IsXcpfolio() {
		return fail(StageValidation, fmt.Errorf("give asset %q is not an XCPFOLIO subasset", order.GiveAssetLongName))
	}

	matches, err := c.ledger.GetOrderMatches(ctx, order.TxHash)
	if err != nil {
		return fail(StageValidation, fmt.Errorf("order matches: %w", err))
	}
	if len(matches) == 0 {
		return fail(StageValidation, fmt.Errorf("no order match for filled order"))
	}
	buyer := matches[0].Counterparty(c.opts.Address)
	res.Buyer = buyer

	info, err := c.ledger.GetAssetInfo(ctx, order.GiveAsset)
	if err != nil {
		return fail(StageValidation, fmt.Errorf("asset info: %w", err))
	}
	if info.Locked {
		return fail(StageValidation, fmt.Errorf("asset %s is locked", asset))
	}

	// Stage 2 — duplicate guard. An in-process active transaction, a
	// pending mempool transfer, or ledger-confirmed delivery each mean no
	// new broadcast.
	c.activeMu.Lock()
	active, hasActive := c.activeTxs[order.TxHash]
	c.activeMu.Unlock()
	if hasActive {
		res.Success = true
		res.Stage = StageBroadcast
		res.Txid = active.Txid
		return res
	}

	delivered := pendingKeys[asset+"|"+buyer] || info.Owner == buyer
	if !delivered {
		delivered, err = c.ledger.IsAssetTransferredTo(ctx, order.GiveAsset, buyer, c.opts.Address)
		if err != nil {
			return fail(StageValidation, fmt.Errorf("transfer check: %w", err))
		}
	}
	if delivered {
		txid, _ := c.ledger.FindTransferTxid(ctx, order.GiveAsset, buyer)
		c.markProcessed(ctx, env, order.TxHash)
		c.failures.clear(order.TxHash)
		c.history.Publish(ctx, orderhistory.Record{
			OrderHash:   order.TxHash,
			Asset:       asset,
			Buyer:       buyer,
			Status:      orderhistory.StatusDelivered,
			Txid:        txid,
			PriceSats:   order.GetQuantity,
			BlockIndex:  order.BlockIndex,
			DeliveredAt: time.Now().UTC(),
		})
		res.Success = true
		res.Stage = StageConfirmed
		res.Txid = txid
		return res
	}

	if info.Owner != c.opts.Address {
		return fail(StageValidation, fmt.Errorf("asset %s owned by %s, not us", asset, info.Owner))
	}

	// Stage 3 — progressive retry gate.
	if !c.failures.shouldAttempt(order.TxHash, time.Now()) {
		res.Success = false
		res.Stage = StageBackoff
		res.Error = "order in retry backoff"
		return res
	}

	// Global compose cooldown across all orders.
	if !c.waitComposeCooldown(ctx) {
		res.Success = false
		res.Stage = StageBackoff
		res.Error = "stopped during compose cooldown"
		return res
	}

	if c.opts.DryRun {
		c.logger.Info().Str("order", order.TxHash).Str("asset", asset).Str("buyer", buyer).
			Msg("Dry run, skipping transfer")
		res.Success = true
		res.Stage = StageBroadcast
		res.Txid = "dry-run"
		return res
	}

	// Stage 4 — compose under the fee policy.
	marketRate, err := c.chain.GetOptimalFeeRate(ctx)
	if err != nil {
		return fail(StageCompose, fmt.Errorf("fee rate: %w", err))
	}
	if marketRate > c.opts.MaxFeeRateForNewTx {
		return fail(StageCompose, fmt.Errorf("fee rate too high: %d sat/vB exceeds max %d", marketRate, c.opts.MaxFeeRateForNewTx))
	}
	feeRate := marketRate
	if feeRate*c.opts.EstimatedVsize > c.opts.MaxTotalFeeSats {
		feeRate = c.opts.MaxTotalFeeSats / c.opts.EstimatedVsize
		if feeRate < 1 {
			feeRate = 1
		}
	}

	composed, err := c.ledger.ComposeTransfer(ctx, c.opts.Address, order.GiveAsset, buyer, feeRate, "auto", true)
	c.touchComposeTime()
	if err != nil {
		return fail(StageCompose, fmt.Errorf("compose transfer: %w", err))
	}

	// Stage 5 — sign; the signer reports the actual absolute fee.
	signed, err := c.signer.Sign(ctx, composed.RawTransaction)
	if err != nil {
		return fail(StageSign, fmt.Errorf("sign: %w", err))
	}
	if signed.Fee > c.opts.MaxTotalFeeSats {
		return fail(StageSign, fmt.Errorf("fee %d sats exceeds maximum %d", signed.Fee, c.opts.MaxTotalFeeSats))
	}

	// Stage 6 — broadcast under the mempool budget.
	unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.opts.Address)
	if err != nil {
		return fail(StageBroadcast, fmt.Errorf("unconfirmed tx count: %w", err))
	}
	if unconfirmed >= c.opts.MaxMempoolTxs {
		return fail(StageBroadcast, fmt.Errorf("mempool at capacity: %d unconfirmed", unconfirmed))
	}

	txid, err := c.chain.BroadcastTransaction(ctx, signed.Hex)
	if err != nil {
		var already *bitcoin.AlreadyInMempoolError
		if errors.As(err, &already) {
			txid = already.Txid
			if txid == "" {
				txid = signed.Txid
			}
		} else {
			return fail(StageBroadcast, fmt.Errorf("broadcast: %w", err))
		}
	}
	if txid == "" {
		txid = signed.Txid
	}

	now := time.Now().UTC()
	c.activeMu.Lock()
	c.activeTxs[order.TxHash] = &ActiveTx{
		OrderHash:      order.TxHash,
		Asset:          asset,
		GiveAsset:      order.GiveAsset,
		Buyer:          buyer,
		Txid:           txid,
		OriginalTxid:   txid,
		RBFHistory:     []string{txid},
		BroadcastTime:  now,
		BroadcastBlock: currentBlock,
		FeeRate:        feeRate,
		Vsize:          signed.Vsize,
	}
	c.activeMu.Unlock()

	c.markProcessed(ctx, env, order.TxHash)
	c.failures.clear(order.TxHash)
	if c.metrics != nil {
		c.metrics.Broadcasts.Inc()
		c.metrics.OrdersFulfilled.Inc()
	}
	c.history.Publish(ctx, orderhistory.Record{
		OrderHash:  order.TxHash,
		Asset:      asset,
		Buyer:      buyer,
		Status:     orderhistory.StatusBroadcast,
		Txid:       txid,
		PriceSats:  order.GetQuantity,
		BlockIndex: order.BlockIndex,
	})
	c.notifier.Success("Transfer broadcast",
		fmt.Sprintf("asset %s to %s", asset, buyer),
		map[string]string{"order": order.TxHash, "txid": txid, "fee_rate": strconv.FormatInt(feeRate, 10)})
	c.logger.Info().Str("order", order.TxHash).Str("asset", asset).Str("buyer", buyer).
		Str("txid", txid).Int64("fee_rate", feeRate).Msg("Transfer broadcast")

	res.Success = true
	res.Stage = StageBroadcast
	res.Txid = txid
	return res
}

// markProcessed appends to the durable processed set immediately, so a
// crash right after broadcast cannot cause a second compose on restart.
func (c *Controller) markProcessed(ctx context.Context, env *state.FulfillmentEnvelope, orderHash string) {
	env.MarkProcessed(orderHash)
	if err := c.fstate.Save(ctx, env); err != nil {
		c.logger.Error().Err(err).Str("order", orderHash).Msg("Failed to persist processed set")
	}
}

// reconcileActive updates active transactions against the chain: removes
// confirmed ones and flags dropped ones for RBF.
func (c *Controller) reconcileActive(ctx context.Context) {
	for _, tx := range c.activeSnapshot() {
		confirmed, err := c.chain.IsConfirmed(ctx, tx.Txid)
		if err != nil {
			c.logger.Warn().Err(err).Str("txid", tx.Txid).Msg("Reconcile lookup failed")
			continue
		}
		if confirmed {
			c.finishActive(ctx, tx, tx.Txid)
			continue
		}
		inMempool, err := c.chain.IsInMempool(ctx, tx.Txid)
		if err != nil {
			c.logger.Warn().Err(err).Str("txid", tx.Txid).Msg("Reconcile mempool lookup failed")
			continue
		}
		if inMempool {
			continue
		}
		// Current txid vanished. A historical replacement may have won.
		var confirmedTxid string
		for _, old := range tx.RBFHistory {
			ok, err := c.chain.IsConfirmed(ctx, old)
			if err == nil && ok {
				confirmedTxid = old
				break
			}
		}
		if confirmedTxid != "" {
			c.finishActive(ctx, tx, confirmedTxid)
			continue
		}
		c.activeMu.Lock()
		if rec, ok := c.activeTxs[tx.OrderHash]; ok {
			rec.DroppedFromMempool = true
			rec.NeedsRBF = true
		}
		c.activeMu.Unlock()
		c.logger.Warn().Str("order", tx.OrderHash).Str("txid", tx.Txid).
			Msg("Transaction dropped from mempool, flagged for RBF")
	}
}

// finishActive removes a confirmed transfer and notifies.
func (c *Controller) finishActive(ctx context.Context, tx ActiveTx, confirmedTxid string) {
	c.activeMu.Lock()
	delete(c.activeTxs, tx.OrderHash)
	c.activeMu.Unlock()
	c.history.Publish(ctx, orderhistory.Record{
		OrderHash:   tx.OrderHash,
		Asset:       tx.Asset,
		Buyer:       tx.Buyer,
		Status:      orderhistory.StatusDelivered,
		Txid:        confirmedTxid,
		RBFCount:    int64(tx.RBFCount),
		DeliveredAt: time.Now().UTC(),
	})
	c.notifier.Success("Transfer confirmed",
		fmt.Sprintf("asset %s delivered to %s", tx.Asset, tx.Buyer),
		map[string]string{"order": tx.OrderHash, "txid": confirmedTxid})
	c.logger.Info().Str("order", tx.OrderHash).Str("txid", confirmedTxid).Msg("Transfer confirmed")
}

// detectStuck flags transactions that have waited too many blocks.
func (c *Controller) detectStuck(currentBlock int64) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	for _, tx := range c.activeTxs {
		if tx.NeedsRBF {
			continue
		}
		if currentBlock-tx.BroadcastBlock >= c.opts.StuckTxThreshold {
			tx.NeedsRBF = true
			c.logger.Info().Str("order", tx.OrderHash).Str("txid", tx.Txid).
				Int64("blocks_waited", currentBlock-tx.BroadcastBlock).Msg("Transaction stuck, flagged for RBF")
		}
	}
}

// activeSnapshot copies the active map for iteration outside the lock.
func (c *Controller) activeSnapshot() []ActiveTx {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	out := make([]ActiveTx, 0, len(c.activeTxs))
	for _, tx := range c.activeTxs {
		cp := *tx
		cp.RBFHistory = append([]string(nil), tx.RBFHistory...)
		out = append(out, cp)
	}
	return out
}

// waitComposeCooldown blocks until the global cooldown since the last
// compose has elapsed. Returns false if stopped while waiting.
func (c *Controller) waitComposeCooldown(ctx context.Context) bool {
	c.composeMu.Lock()
	remaining := c.opts.ComposeCooldown - time.Since(c.lastComposeTime)
	c.composeMu.Unlock()
	if remaining <= 0 {
		return true
	}
	deadline := time.Now().Add(remaining)
	for time.Now().Before(deadline) {
		if c.stopRequested.Load() || ctx.Err() != nil {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
	return true
}

func (c *Controller) touchComposeTime() {
	c.composeMu.Lock()
	c.lastComposeTime = time.Now()
	c.composeMu.Unlock()
}
