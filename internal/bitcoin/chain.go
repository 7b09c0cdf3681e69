package bitcoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ErrTxNotFound is returned when a transaction is unknown to every endpoint.
var ErrTxNotFound = errors.New("transaction not found")

// AlreadyInMempoolError is a broadcast rejection that actually means the
// transaction propagated via another path. The txid is recovered from the
// endpoint's error body.
type AlreadyInMempoolError struct {
	Txid string
}

func (e *AlreadyInMempoolError) Error() string {
	return fmt.Sprintf("transaction already in mempool: %s", e.Txid)
}

var txidPattern = regexp.MustCompile(`[0-9a-fA-F]{64}`)

// FeeRates is the fee recommendation snapshot.
type FeeRates struct {
	FastestFee  float64 `json:"fastestFee"`
	HalfHourFee float64 `json:"halfHourFee"`
	HourFee     float64 `json:"hourFee"`
	EconomyFee  float64 `json:"economyFee"`
	MinimumFee  float64 `json:"minimumFee"`
}

// UTXO is one unspent output of our address.
type UTXO struct {
	Txid   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

// TxOut is one output of a looked-up transaction.
type TxOut struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Value        int64  `json:"value"`
}

// Tx is a transaction as reported by the chain API.
type Tx struct {
	Txid   string  `json:"txid"`
	Vout   []TxOut `json:"vout"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// addressStats is the per-address summary used for the unconfirmed count.
type addressStats struct {
	MempoolStats struct {
		TxCount int `json:"tx_count"`
	} `json:"mempool_stats"`
}

// ChainClient talks to one or more Esplora-compatible endpoints. The first
// endpoint is primary; the rest are broadcast fallbacks.
type ChainClient struct {
	http      *resty.Client
	endpoints []string
	logger    zerolog.Logger
}

// NewChainClient creates a chain client. endpoints must be non-empty.
func NewChainClient(endpoints []string, logger zerolog.Logger) *ChainClient {
	trimmed := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if e != "" {
			trimmed = append(trimmed, strings.TrimRight(e, "/"))
		}
	}
	return &ChainClient{
		http:      resty.New().SetTimeout(20 * time.Second),
		endpoints: trimmed,
		logger:    logger.With().Str("client", "chain").Logger(),
	}
}

func (c *ChainClient) get(ctx context.Context, path string, out interface{}) error {
	var lastErr error
	for _, base := range c.endpoints {
		operation := func() error {
			resp, err := c.http.R().SetContext(ctx).Get(base + path)
			if err != nil {
				return err
			}
			if resp.StatusCode() == 404 {
				return backoff.Permanent(ErrTxNotFound)
			}
			if resp.StatusCode() >= 400 {
				return fmt.Errorf("chain %s: status %d: %s", path, resp.StatusCode(), resp.String())
			}
			if out != nil {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return backoff.Permanent(fmt.Errorf("chain %s: decode: %w", path, err))
				}
			}
			return nil
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 2), ctx)
		lastErr = backoff.Retry(operation, policy)
		if lastErr == nil || errors.Is(lastErr, ErrTxNotFound) {
			return lastErr
		}
	}
	return lastErr
}

// getText fetches a plain-text endpoint (tip height, tx hex).
func (c *ChainClient) getText(ctx context.Context, path string) (string, error) {
	var lastErr error
	for _, base := range c.endpoints {
		resp, err := c.http.R().SetContext(ctx).Get(base + path)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode() == 404 {
			return "", ErrTxNotFound
		}
		if resp.StatusCode() >= 400 {
			lastErr = fmt.Errorf("chain %s: status %d", path, resp.StatusCode())
			continue
		}
		return strings.TrimSpace(resp.String()), nil
	}
	return "", lastErr
}

// GetCurrentBlockHeight returns the chain tip height.
func (c *ChainClient) GetCurrentBlockHeight(ctx context.Context) (int64, error) {
	text, err := c.getText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height %q: %w", text, err)
	}
	return height, nil
}

// FetchUTXOs returns the address's unspent outputs.
func (c *ChainClient) FetchUTXOs(ctx context.Context, addr string) ([]UTXO, error) {
	var utxos []UTXO
	if err := c.get(ctx, "/address/"+addr+"/utxo", &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

// GetFeeRates returns the full fee recommendation snapshot.
func (c *ChainClient) GetFeeRates(ctx context.Context) (*FeeRates, error) {
	var rates FeeRates
	if err := c.get(ctx, "/v1/fees/recommended", &rates); err != nil {
		return nil, err
	}
	return &rates, nil
}

// GetOptimalFeeRate returns the next-block fee rate in whole sat/vB,
// used for latency-sensitive transfers.
func (c *ChainClient) GetOptimalFeeRate(ctx context.Context) (int64, error) {
	rates, err := c.GetFeeRates(ctx)
	if err != nil {
		return 0, err
	}
	rate := int64(rates.FastestFee)
	if float64(rate) < rates.FastestFee {
		rate++
	}
	if rate < 1 {
		rate = 1
	}
	return rate, nil
}

// GetActualMinimumFeeRate returns the lowest rate the mempool will accept.
// May be below 1 sat/vB; maintenance listings are not latency-sensitive.
func (c *ChainClient) GetActualMinimumFeeRate(ctx context.Context) (float64, error) {
	rates, err := c.GetFeeRates(ctx)
	if err != nil {
		return 0, err
	}
	min := rates.MinimumFee
	if rates.EconomyFee > 0 && rates.EconomyFee < min {
		min = rates.EconomyFee
	}
	if min <= 0 {
		min = 1
	}
	return min, nil
}

// GetUnconfirmedTxCount returns how many of the address's transactions sit
// in the mempool.
func (c *ChainClient) GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error) {
	var stats addressStats
	if err := c.get(ctx, "/address/"+addr, &stats); err != nil {
		return 0, err
	}
	return stats.MempoolStats.TxCount, nil
}

// GetTransaction looks up a transaction by id.
func (c *ChainClient) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	var tx Tx
	if err := c.get(ctx, "/tx/"+txid, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetTransactionHex returns the raw transaction hex.
func (c *ChainClient) GetTransactionHex(ctx context.Context, txid string) (string, error) {
	return c.getText(ctx, "/tx/"+txid+"/hex")
}

// IsInMempool reports whether the transaction is known and unconfirmed.
func (c *ChainClient) IsInMempool(ctx context.Context, txid string) (bool, error) {
	tx, err := c.GetTransaction(ctx, txid)
	if errors.Is(err, ErrTxNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !tx.Status.Confirmed, nil
}

// IsConfirmed reports whether the transaction has been mined.
func (c *ChainClient) IsConfirmed(ctx context.Context, txid string) (bool, error) {
	tx, err := c.GetTransaction(ctx, txid)
	if errors.Is(err, ErrTxNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tx.Status.Confirmed, nil
}

// BroadcastTransaction submits the signed hex to each endpoint in order,
// returning the accepted txid. Rejections that say the transaction is
// already in the mempool are promoted to AlreadyInMempoolError.
func (c *ChainClient) BroadcastTransaction(ctx context.Context, signedHex string) (string, error) {
	var lastErr error
	for _, base := range c.endpoints {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "text/plain").
			SetBody(signedHex).
			Post(base + "/tx")
		if err != nil {
			lastErr = err
			continue
		}
		body := strings.TrimSpace(resp.String())
		if resp.StatusCode() < 300 {
			return body, nil
		}
		if already, txid := classifyAlreadyInMempool(body); already {
			return "", &AlreadyInMempoolError{Txid: txid}
		}
		lastErr = fmt.Errorf("broadcast via %s: status %d: %s", base, resp.StatusCode(), body)
		c.logger.Warn().Str("endpoint", base).Int("status", resp.StatusCode()).Str("body", body).
			Msg("Broadcast rejected, trying next endpoint")
	}
	if lastErr == nil {
		lastErr = errors.New("no broadcast endpoints configured")
	}
	return "", lastErr
}

// classifyAlreadyInMempool applies the string heuristic for duplicate
// broadcasts and recovers the txid from the error body when present.
func classifyAlreadyInMempool(body string) (bool, string) {
	lower := strings.ToLower(body)
	if !strings.Contains(lower, "already") || !strings.Contains(lower, "mempool") {
		return false, ""
	}
	return true, txidPattern.FindString(body)
}
