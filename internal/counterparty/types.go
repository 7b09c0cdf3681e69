package counterparty

import "strings"

// SubassetPrefix namespaces the assets this agent fulfills. Ownership of
// XCPFOLIO.<NAME> represents the right to receive <NAME>.
const SubassetPrefix = "XCPFOLIO."

// Order is a DEX order as returned by the ledger. Immutable once observed.
type Order struct {
	TxHash            string `json:"tx_hash"`
	TxIndex           int64  `json:"tx_index"`
	BlockIndex        int64  `json:"block_index"`
	BlockTime         int64  `json:"block_time"`
	Source            string `json:"source"`
	GiveAsset         string `json:"give_asset"`
	GiveAssetLongName string `json:"give_asset_longname"`
	GiveQuantity      int64  `json:"give_quantity"`
	GetAsset          string `json:"get_asset"`
	GetQuantity       int64  `json:"get_quantity"`
	Status            string `json:"status"`
}

// ShortAssetName strips the XCPFOLIO. namespace from the order's give asset.
func (o *Order) ShortAssetName() string {
	return strings.TrimPrefix(o.GiveAssetLongName, SubassetPrefix)
}

// IsXcpfolio reports whether the order sells a namespaced subasset.
func (o *Order) IsXcpfolio() bool {
	return strings.HasPrefix(o.GiveAssetLongName, SubassetPrefix)
}

// OrderMatch pairs two orders. The buyer is the counterparty address.
type OrderMatch struct {
	ID         string `json:"id"`
	Tx0Hash    string `json:"tx0_hash"`
	Tx0Address string `json:"tx0_address"`
	Tx1Hash    string `json:"tx1_hash"`
	Tx1Address string `json:"tx1_address"`
	Status     string `json:"status"`
}

// Counterparty returns the address on the other side of the match from ours.
func (m *OrderMatch) Counterparty(ours string) string {
	if m.Tx0Address == ours {
		return m.Tx1Address
	}
	return m.Tx0Address
}

// AssetInfo describes an asset's current issuance state.
type AssetInfo struct {
	Asset       string `json:"asset"`
	AssetLongName string `json:"asset_longname"`
	Owner       string `json:"owner"`
	Issuer      string `json:"issuer"`
	Locked      bool   `json:"locked"`
	Supply      int64  `json:"supply"`
	Divisible   bool   `json:"divisible"`
}

// Issuance is one issuance event for an asset; a transfer shows up as an
// issuance whose issuer differs from the previous owner.
type Issuance struct {
	TxHash      string `json:"tx_hash"`
	BlockIndex  int64  `json:"block_index"`
	Asset       string `json:"asset"`
	AssetLongName string `json:"asset_longname"`
	Issuer      string `json:"issuer"`
	Transfer    bool   `json:"transfer"`
	Source      string `json:"source"`
	Status      string `json:"status"`
	Confirmed   bool   `json:"confirmed"`
}

// Balance is an address's holding of one asset.
type Balance struct {
	Address       string `json:"address"`
	Asset         string `json:"asset"`
	AssetLongName string `json:"asset_longname"`
	Quantity      int64  `json:"quantity"`
}

// MempoolEvent is an unconfirmed ledger event.
type MempoolEvent struct {
	TxHash   string          `json:"tx_hash"`
	Event    string          `json:"event"`
	Bindings MempoolBindings `json:"params"`
}

// MempoolBindings carries the union of event parameters the agent inspects.
type MempoolBindings struct {
	Source            string `json:"source"`
	Asset             string `json:"asset"`
	AssetLongName     string `json:"asset_longname"`
	GiveAsset         string `json:"give_asset"`
	GiveAssetLongName string `json:"give_asset_longname"`
	GetAsset          string `json:"get_asset"`
	GetAssetLong      string `json:"get_asset_longname"`
	TransferDest      string `json:"transfer_destination"`
	Transfer          bool   `json:"transfer"`
	Issuer            string `json:"issuer"`
}

// PendingTransfer identifies an in-mempool ownership transfer from us.
type PendingTransfer struct {
	Asset  string
	Buyer  string
	TxHash string
}

// ComposeResult is the ledger's answer to a compose call: an unsigned
// raw transaction plus the fee the ledger computed for it.
type ComposeResult struct {
	RawTransaction string `json:"rawtransaction"`
	BTCFee         int64  `json:"btc_fee"`
}

// UTXOInput is one element of an explicit inputs_set passed to compose.
type UTXOInput struct {
	TxID  string
	Vout  uint32
	Value int64
}

// Block is the ledger's view of a block.
type Block struct {
	BlockIndex int64  `json:"block_index"`
	BlockHash  string `json:"block_hash"`
	BlockTime  int64  `json:"block_time"`
}
