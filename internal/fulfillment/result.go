package fulfillment

import "time"

// Stage identifies where in the transfer pipeline an order ended up.
type Stage string

const (
	StageValidation Stage = "validation"
	StageBackoff    Stage = "backoff"
	StageCompose    Stage = "compose"
	StageSign       Stage = "sign"
	StageBroadcast  Stage = "broadcast"
	StageConfirmed  Stage = "confirmed"
)

// Result is the per-order outcome of one run.
type Result struct {
	OrderHash string `json:"orderHash"`
	Asset     string `json:"asset"`
	Buyer     string `json:"buyer,omitempty"`
	Success   bool   `json:"success"`
	Stage     Stage  `json:"stage"`
	Txid      string `json:"txid,omitempty"`
	Error     string `json:"error,omitempty"`
	IsRBF     bool   `json:"isRbf,omitempty"`
}

// ActiveTx tracks a broadcast transfer until it is known confirmed or is
// abandoned. RBFHistory holds every txid emitted for the order in append
// order; the last entry is always Txid.
type ActiveTx struct {
	OrderHash          string    `json:"orderHash"`
	Asset              string    `json:"asset"`
	GiveAsset          string    `json:"giveAsset"`
	Buyer              string    `json:"buyer"`
	Txid               string    `json:"txid"`
	OriginalTxid       string    `json:"originalTxid"`
	RBFHistory         []string  `json:"rbfHistory"`
	BroadcastTime      time.Time `json:"broadcastTime"`
	BroadcastBlock     int64     `json:"broadcastBlock"`
	FeeRate            int64     `json:"feeRate"`
	Vsize              int64     `json:"vsize"`
	RBFCount           int       `json:"rbfCount"`
	NeedsRBF           bool      `json:"needsRbf"`
	DroppedFromMempool bool      `json:"droppedFromMempool"`
}

// Snapshot is a consistent read-only view of the controller for the status
// surface.
type Snapshot struct {
	Running      bool                     `json:"running"`
	LastRun      time.Time                `json:"lastRun"`
	ActiveTxs    []ActiveTx               `json:"activeTransactions"`
	FailedOrders map[string]FailureRecord `json:"failedOrders"`
}
