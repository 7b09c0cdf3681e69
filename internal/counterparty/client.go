package counterparty

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// APIError is a ledger-level failure: a non-2xx response or a result
// envelope carrying an error field. The server message is preserved
// verbatim because the retry heuristics match on it.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("counterparty %s: %s", e.Endpoint, e.Message)
}

// envelope is the ledger's uniform response wrapper.
type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// Client is a read/compose client for the Counterparty API.
type Client struct {
	http    *resty.Client
	baseURL string
	logger  zerolog.Logger
}

// NewClient creates a ledger client against the given base URL.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		http:    http,
		baseURL: baseURL,
		logger:  logger.With().Str("client", "counterparty").Logger(),
	}
}

// get performs a GET with transient-retry and decodes the result envelope
// into out. Envelope errors are returned as *APIError and never retried.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	var body []byte

	operation := func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get(path)
		if err != nil {
			return err // transport error, retryable
		}
		body = resp.Body()
		if resp.StatusCode() >= 500 {
			return fmt.Errorf("counterparty %s: status %d", path, resp.StatusCode())
		}
		if resp.StatusCode() >= 400 {
			msg := extractEnvelopeError(body)
			if msg == "" {
				msg = fmt.Sprintf("status %d", resp.StatusCode())
			}
			return backoff.Permanent(&APIError{Endpoint: path, Status: resp.StatusCode(), Message: msg})
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("counterparty %s: decode: %w", path, err)
	}
	if env.Error != nil && *env.Error != "" {
		return &APIError{Endpoint: path, Message: *env.Error}
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("counterparty %s: decode result: %w", path, err)
		}
	}
	return nil
}

func extractEnvelopeError(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	if env.Error != nil {
		return *env.Error
	}
	return ""
}

// GetCurrentBlock returns the ledger's most recent block.
func (c *Client) GetCurrentBlock(ctx context.Context) (*Block, error) {
	var blocks []Block
	err := c.get(ctx, "/blocks", map[string]string{"limit": "1"}, &blocks)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, &APIError{Endpoint: "/blocks", Message: "empty block list"}
	}
	return &blocks[0], nil
}

// GetOrdersByAddress returns one page of the address's orders in the given
// status, newest first.
func (c *Client) GetOrdersByAddress(ctx context.Context, addr, status string, limit, offset int) ([]Order, error) {
	var orders []Order
	err := c.get(ctx, "/addresses/"+addr+"/orders", map[string]string{
		"status":           status,
		"show_unconfirmed": "false",
		"verbose":          "true",
		"limit":            strconv.Itoa(limit),
		"offset":           strconv.Itoa(offset),
		"sort":             "block_index:desc",
	}, &orders)
	return orders, err
}

// GetOrderMatches returns the match records for an order.
func (c *Client) GetOrderMatches(ctx context.Context, orderHash string) ([]OrderMatch, error) {
	var matches []OrderMatch
	err := c.get(ctx, "/orders/"+orderHash+"/matches", map[string]string{
		"verbose":          "true",
		"show_unconfirmed": "true",
	}, &matches)
	return matches, err
}

// GetAssetInfo returns the asset's current issuance state.
func (c *Client) GetAssetInfo(ctx context.Context, asset string) (*AssetInfo, error) {
	var info AssetInfo
	err := c.get(ctx, "/assets/"+asset, nil, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetAssetIssuances returns the asset's issuance history, newest entries
// included unconfirmed.
func (c *Client) GetAssetIssuances(ctx context.Context, asset string) ([]Issuance, error) {
	var issuances []Issuance
	err := c.get(ctx, "/assets/"+asset+"/issuances", map[string]string{
		"show_unconfirmed": "true",
		"limit":            "100",
	}, &issuances)
	return issuances, err
}

// GetMempoolBuyOrders returns unconfirmed OPEN_ORDER events that bid on one
// of our namespaced subassets. Display-only; the fulfillment state machine
// does not branch on it.
func (c *Client) GetMempoolBuyOrders(ctx context.Context) ([]MempoolEvent, error) {
	var events []MempoolEvent
	err := c.get(ctx, "/mempool/events/OPEN_ORDER", map[string]string{"verbose": "true"}, &events)
	if err != nil {
		return nil, err
	}
	var buys []MempoolEvent
	for _, ev := range events {
		if strings.HasPrefix(ev.Bindings.GetAssetLongName(), SubassetPrefix) {
			buys = append(buys, ev)
		}
	}
	return buys, nil
}

// GetMempoolTransfers returns in-mempool ownership transfers issued by addr.
func (c *Client) GetMempoolTransfers(ctx context.Context, addr string) ([]PendingTransfer, error) {
	events, err := c.getAddressMempool(ctx, addr)
	if err != nil {
		return nil, err
	}
	var transfers []PendingTransfer
	for _, ev := range events {
		if ev.Event != "ASSET_ISSUANCE" && ev.Event != "ISSUANCE" {
			continue
		}
		if !ev.Bindings.Transfer || ev.Bindings.Source != addr || ev.Bindings.TransferDest == "" {
			continue
		}
		transfers = append(transfers, PendingTransfer{
			Asset:  shortName(ev.Bindings.Asset, ev.Bindings.AssetLongName),
			Buyer:  ev.Bindings.TransferDest,
			TxHash: ev.TxHash,
		})
	}
	return transfers, nil
}

// GetMempoolOrderAssets returns the set of subasset short names with an
// unconfirmed sell order from addr.
func (c *Client) GetMempoolOrderAssets(ctx context.Context, addr string) (map[string]bool, error) {
	events, err := c.getAddressMempool(ctx, addr)
	if err != nil {
		return nil, err
	}
	assets := make(map[string]bool)
	for _, ev := range events {
		if ev.Event != "OPEN_ORDER" || ev.Bindings.Source != addr {
			continue
		}
		if strings.HasPrefix(ev.Bindings.GiveAssetLongName, SubassetPrefix) {
			assets[strings.TrimPrefix(ev.Bindings.GiveAssetLongName, SubassetPrefix)] = true
		}
	}
	return assets, nil
}

func (c *Client) getAddressMempool(ctx context.Context, addr string) ([]MempoolEvent, error) {
	var events []MempoolEvent
	err := c.get(ctx, "/addresses/mempool", map[string]string{
		"addresses": addr,
		"verbose":   "true",
	}, &events)
	return events, err
}

// GetOpenOrderAssets returns the set of subasset short names with a
// confirmed open sell order from addr.
func (c *Client) GetOpenOrderAssets(ctx context.Context, addr string) (map[string]bool, error) {
	assets := make(map[string]bool)
	offset := 0
	const page = 100
	for {
		orders, err := c.GetOrdersByAddress(ctx, addr, "open", page, offset)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			if o.IsXcpfolio() {
				assets[o.ShortAssetName()] = true
			}
		}
		if len(orders) < page {
			return assets, nil
		}
		offset += page
	}
}

// GetXcpfolioBalances returns addr's holdings of namespaced subassets.
// A positive balance means the asset is held un-escrowed (not listed).
func (c *Client) GetXcpfolioBalances(ctx context.Context, addr string) ([]Balance, error) {
	var all []Balance
	offset := 0
	const page = 100
	for {
		var balances []Balance
		err := c.get(ctx, "/addresses/"+addr+"/balances", map[string]string{
			"limit":  strconv.Itoa(page),
			"offset": strconv.Itoa(offset),
		}, &balances)
		if err != nil {
			return nil, err
		}
		for _, b := range balances {
			if strings.HasPrefix(b.AssetLongName, SubassetPrefix) && b.Quantity > 0 {
				all = append(all, b)
			}
		}
		if len(balances) < page {
			return all, nil
		}
		offset += page
	}
}

// ComposeTransfer asks the ledger for a raw unsigned transaction that
// transfers ownership of asset to dest. quantity stays zero: ownership
// moves via a transfer issuance, not a send.
func (c *Client) ComposeTransfer(ctx context.Context, src, asset, dest string, satPerVbyte int64, encoding string, validate bool) (*ComposeResult, error) {
	var result ComposeResult
	err := c.get(ctx, "/addresses/"+src+"/compose/issuance", map[string]string{
		"asset":                asset,
		"quantity":             "0",
		"transfer_destination": dest,
		"description":          "",
		"encoding":             encoding,
		"sat_per_vbyte":        strconv.FormatInt(satPerVbyte, 10),
		"validate":             strconv.FormatBool(validate),
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ComposeOrder asks the ledger for a raw unsigned DEX sell order.
// inputsSet may be nil; when present it pins compose to the given UTXOs.
func (c *Client) ComposeOrder(ctx context.Context, src, giveAsset string, giveQty int64, getAsset string, getQty int64, expiration int, satPerVbyte float64, inputsSet []UTXOInput) (*ComposeResult, error) {
	params := map[string]string{
		"give_asset":    giveAsset,
		"give_quantity": strconv.FormatInt(giveQty, 10),
		"get_asset":     getAsset,
		"get_quantity":  strconv.FormatInt(getQty, 10),
		"expiration":    strconv.Itoa(expiration),
		"sat_per_vbyte": strconv.FormatFloat(satPerVbyte, 'f', -1, 64),
	}
	if len(inputsSet) > 0 {
		parts := make([]string, len(inputsSet))
		for i, in := range inputsSet {
			parts[i] = fmt.Sprintf("%s:%d", in.TxID, in.Vout)
		}
		params["inputs_set"] = strings.Join(parts, ",")
	}
	var result ComposeResult
	err := c.get(ctx, "/addresses/"+src+"/compose/order", params, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// IsAssetTransferredTo reports whether ownership of asset has moved from
// seller to buyer, counting both confirmed state and in-mempool transfers.
// Monotone: once true it stays true.
func (c *Client) IsAssetTransferredTo(ctx context.Context, asset, buyer, seller string) (bool, error) {
	info, err := c.GetAssetInfo(ctx, asset)
	if err != nil {
		return false, err
	}
	if info.Owner == buyer {
		return true, nil
	}
	events, err := c.getAddressMempool(ctx, seller)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.Event != "ASSET_ISSUANCE" && ev.Event != "ISSUANCE" {
			continue
		}
		b := ev.Bindings
		if !b.Transfer || b.Source != seller || b.TransferDest != buyer {
			continue
		}
		if b.Asset == asset || shortName(b.Asset, b.AssetLongName) == asset {
			return true, nil
		}
	}
	return false, nil
}

// FindTransferTxid scans the asset's issuance history for the transfer that
// delivered it to buyer. Used for display when delivery happened outside the
// current process.
func (c *Client) FindTransferTxid(ctx context.Context, asset, buyer string) (string, error) {
	issuances, err := c.GetAssetIssuances(ctx, asset)
	if err != nil {
		return "", err
	}
	for _, iss := range issuances {
		if iss.Transfer && iss.Issuer == buyer {
			return iss.TxHash, nil
		}
	}
	return "", nil
}

func shortName(asset, longName string) string {
	if strings.HasPrefix(longName, SubassetPrefix) {
		return strings.TrimPrefix(longName, SubassetPrefix)
	}
	return asset
}

// GetAssetLongName returns the long name of the bid-for asset on an open
// order event, falling back to the bare asset field.
func (b *MempoolBindings) GetAssetLongName() string {
	if b.GetAssetLong != "" {
		return b.GetAssetLong
	}
	return b.GetAsset
}
