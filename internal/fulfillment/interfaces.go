package fulfillment

import (
	"context"

	"github.com/XCP/xcpfolio-bot/internal/bitcoin"
	"github.com/XCP/xcpfolio-bot/internal/counterparty"
	"github.com/XCP/xcpfolio-bot/internal/orderhistory"
)

// Ledger is the slice of the Counterparty API the controller consumes.
type Ledger interface {
	GetCurrentBlock(ctx context.Context) (*counterparty.Block, error)
	GetOrdersByAddress(ctx context.Context, addr, status string, limit, offset int) ([]counterparty.Order, error)
	GetOrderMatches(ctx context.Context, orderHash string) ([]counterparty.OrderMatch, error)
	GetAssetInfo(ctx context.Context, asset string) (*counterparty.AssetInfo, error)
	GetMempoolBuyOrders(ctx context.Context) ([]counterparty.MempoolEvent, error)
	GetMempoolTransfers(ctx context.Context, addr string) ([]counterparty.PendingTransfer, error)
	ComposeTransfer(ctx context.Context, src, asset, dest string, satPerVbyte int64, encoding string, validate bool) (*counterparty.ComposeResult, error)
	IsAssetTransferredTo(ctx context.Context, asset, buyer, seller string) (bool, error)
	FindTransferTxid(ctx context.Context, asset, buyer string) (string, error)
}

// Chain is the slice of the Bitcoin API the controller consumes.
type Chain interface {
	GetCurrentBlockHeight(ctx context.Context) (int64, error)
	GetOptimalFeeRate(ctx context.Context) (int64, error)
	GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error)
	IsInMempool(ctx context.Context, txid string) (bool, error)
	IsConfirmed(ctx context.Context, txid string) (bool, error)
	BroadcastTransaction(ctx context.Context, signedHex string) (string, error)
}

// Signer turns a composed raw transaction into a broadcastable one.
type Signer interface {
	Sign(ctx context.Context, rawHex string) (*bitcoin.SignedTx, error)
}

// Notifier is the fire-and-forget event sink. Implementations never block
// or fail the pipeline.
type Notifier interface {
	Warning(title, message string, fields map[string]string)
	Success(title, message string, fields map[string]string)
	Critical(title, message string, fields map[string]string)
}

// History receives UI-facing order state transitions. One-way publish; the
// controller never reads it back.
type History interface {
	Publish(ctx context.Context, rec orderhistory.Record)
}
