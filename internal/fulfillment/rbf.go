package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/XCP/xcpfolio-bot/internal/bitcoin"
	"github.com/XCP/xcpfolio-bot/internal/orderhistory"
)

// computeRBFRate chooses a replacement fee rate from the current rate, the
// market rate, and how long the transaction has waited. The escalation
// gets more aggressive the longer a transaction sits.
func computeRBFRate(currentRate, marketRate, blocksSinceBroadcast int64) int64 {
	var rate float64
	switch {
	case blocksSinceBroadcast < 12:
		rate = math.Max(float64(currentRate)*1.5, float64(marketRate))
	case blocksSinceBroadcast < 24:
		rate = math.Max(float64(currentRate)*2.0, float64(marketRate)*1.1)
	default:
		rate = float64(marketRate) * 1.5
	}
	return int64(math.Ceil(rate))
}

// planRBF applies the BIP-125 floor, the absolute fee ceiling, and the
// protective rate cap. Returns the rate to use, or ok=false when no
// compliant replacement exists and the record must be abandoned.
func planRBF(currentRate, candidateRate, vsize, maxTotalFeeSats int64) (rate int64, ok bool) {
	rate = candidateRate
	if rate < currentRate+1 {
		rate = currentRate + 1
	}
	if vsize > 0 && rate*vsize > maxTotalFeeSats {
		rate = maxTotalFeeSats / vsize
	}
	if rate > rbfRateCeiling {
		rate = rbfRateCeiling
	}
	// After capping the replacement must still out-bid the original.
	if rate < currentRate+1 {
		return 0, false
	}
	return rate, true
}

// escalateFlagged attempts RBF for every active transaction flagged as
// stuck or dropped.
func (c *Controller) escalateFlagged(ctx context.Context, currentBlock int64) {
	for _, tx := range c.activeSnapshot() {
		if !tx.NeedsRBF && !tx.DroppedFromMempool {
			continue
		}
		if c.stopRequested.Load() || ctx.Err() != nil {
			return
		}
		c.attemptRBF(ctx, tx, currentBlock)
	}
}

// attemptRBF composes, signs, and broadcasts a replacement at a higher
// rate. When no fee-ceiling-compliant replacement exists, or the
// replacement broadcast fails, the active record is dropped so the next
// run retries from scratch; the order stays marked processed and the
// ledger's "already transferred" check keeps the retry idempotent.
func (c *Controller) attemptRBF(ctx context.Context, tx ActiveTx, currentBlock int64) {
	logger := c.logger.With().Str("order", tx.OrderHash).Str("txid", tx.Txid).Logger()

	marketRate, err := c.chain.GetOptimalFeeRate(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("RBF skipped, fee rate unavailable")
		return
	}
	vsize := tx.Vsize
	if vsize <= 0 {
		vsize = c.opts.EstimatedVsize
	}
	candidate := computeRBFRate(tx.FeeRate, marketRate, currentBlock-tx.BroadcastBlock)
	newRate, ok := planRBF(tx.FeeRate, candidate, vsize, c.opts.MaxTotalFeeSats)
	if !ok {
		c.dropActive(tx.OrderHash)
		c.notifier.Warning("RBF abandoned",
			fmt.Sprintf("order %s: no compliant replacement under %d sats, will rebroadcast fresh", tx.OrderHash, c.opts.MaxTotalFeeSats),
			map[string]string{"asset": tx.Asset, "txid": tx.Txid})
		logger.Warn().Int64("current_rate", tx.FeeRate).Msg("Cannot RBF within fee ceiling, dropping active record")
		return
	}

	if c.metrics != nil {
		c.metrics.RBFAttempts.Inc()
	}

	// validate=false: the prior transaction still occupies the inputs.
	giveAsset := tx.GiveAsset
	if giveAsset == "" {
		giveAsset = tx.Asset
	}
	composed, err := c.ledger.ComposeTransfer(ctx, c.opts.Address, giveAsset, tx.Buyer, newRate, "auto", false)
	c.touchComposeTime()
	if err != nil {
		logger.Warn().Err(err).Msg("RBF compose failed")
		return
	}
	signed, err := c.signer.Sign(ctx, composed.RawTransaction)
	if err != nil {
		logger.Warn().Err(err).Msg("RBF sign failed")
		return
	}
	if signed.Fee > c.opts.MaxTotalFeeSats {
		logger.Warn().Int64("fee", signed.Fee).Msg("RBF fee exceeds ceiling, not broadcasting")
		return
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
			c.dropActive(tx.OrderHash)
			logger.Warn().Err(err).Msg("RBF broadcast failed, dropping active record")
			return
		}
	}
	if txid == "" {
		txid = signed.Txid
	}

	c.activeMu.Lock()
	if rec, ok := c.activeTxs[tx.OrderHash]; ok {
		rec.RBFHistory = append(rec.RBFHistory, txid)
		rec.Txid = txid
		rec.FeeRate = newRate
		rec.Vsize = signed.Vsize
		rec.RBFCount++
		rec.NeedsRBF = false
		rec.DroppedFromMempool = false
		rec.BroadcastBlock = currentBlock
		rec.BroadcastTime = time.Now().UTC()
	}
	c.activeMu.Unlock()

	c.history.Publish(ctx, orderhistory.Record{
		OrderHash: tx.OrderHash,
		Asset:     tx.Asset,
		Buyer:     tx.Buyer,
		Status:    orderhistory.StatusBroadcast,
		Txid:      txid,
		RBFCount:  int64(tx.RBFCount + 1),
	})
	c.notifier.Warning("Transfer fee bumped",
		fmt.Sprintf("order %s replaced at %d sat/vB", tx.OrderHash, newRate),
		map[string]string{"asset": tx.Asset, "old_txid": tx.Txid, "new_txid": txid,
			"rbf_count": strconv.Itoa(tx.RBFCount + 1)})
	logger.Info().Str("new_txid", txid).Int64("new_rate", newRate).Msg("RBF replacement broadcast")
}

// dropActive removes an active record without unmarking the order: the
// next run re-observes the ledger and acts idempotently.
func (c *Controller) dropActive(orderHash string) {
	c.activeMu.Lock()
	delete(c.activeTxs, orderHash)
	c.activeMu.Unlock()
}
