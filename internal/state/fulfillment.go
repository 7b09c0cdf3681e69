package state

import (
	"context"
	"time"
)

const (
	// FulfillmentStateKey holds the fulfillment controller's durable envelope.
	FulfillmentStateKey = "fulfillment-state"

	// fulfillmentStateTTL keeps the envelope alive across long outages.
	fulfillmentStateTTL = 30 * 24 * time.Hour

	// maxProcessedOrders bounds the append-only processed set.
	maxProcessedOrders = 1000

	// cleanupKeep is what the periodic truncation retains.
	cleanupKeep = 100
)

// FulfillmentEnvelope is the fulfillment controller's durable snapshot.
// Written via full-object overwrite under the controller's exclusive run.
type FulfillmentEnvelope struct {
	LastBlock       int64     `json:"lastBlock"`
	LastOrderHash   string    `json:"lastOrderHash"`
	LastChecked     time.Time `json:"lastChecked"`
	ProcessedOrders []string  `json:"processedOrders"`
	FailedOrders    []string  `json:"failedOrders"`
	LastCleanup     int64     `json:"lastCleanup"`
}

// IsProcessed reports membership in the processed-order set. Membership
// means "never compose-and-broadcast another transfer for this order".
func (e *FulfillmentEnvelope) IsProcessed(orderHash string) bool {
	for _, h := range e.ProcessedOrders {
		if h == orderHash {
			return true
		}
	}
	return false
}

// MarkProcessed appends the order hash, keeping the set bounded by
// dropping the oldest entries.
func (e *FulfillmentEnvelope) MarkProcessed(orderHash string) {
	if e.IsProcessed(orderHash) {
		return
	}
	e.ProcessedOrders = append(e.ProcessedOrders, orderHash)
	if len(e.ProcessedOrders) > maxProcessedOrders {
		e.ProcessedOrders = e.ProcessedOrders[len(e.ProcessedOrders)-maxProcessedOrders:]
	}
}

// Truncate keeps only the most recent keep entries of the processed set.
// A zero keep uses the default.
func (e *FulfillmentEnvelope) Truncate(keep int) {
	if keep <= 0 {
		keep = cleanupKeep
	}
	if len(e.ProcessedOrders) > keep {
		e.ProcessedOrders = e.ProcessedOrders[len(e.ProcessedOrders)-keep:]
	}
}

// SetLastBlock advances lastBlock, never letting it move backwards.
func (e *FulfillmentEnvelope) SetLastBlock(height int64) {
	if height > e.LastBlock {
		e.LastBlock = height
	}
}

// FulfillmentState manages the durable envelope in the store.
type FulfillmentState struct {
	store *Store
	key   string
}

// NewFulfillmentState creates the envelope manager.
func NewFulfillmentState(store *Store) *FulfillmentState {
	return &FulfillmentState{store: store, key: FulfillmentStateKey}
}

// Load reads the envelope, possibly from the short read cache. Returns a
// zero envelope when none exists yet.
func (f *FulfillmentState) Load(ctx context.Context) (*FulfillmentEnvelope, error) {
	var env FulfillmentEnvelope
	if _, err := f.store.Get(ctx, f.key, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// LoadFresh bypasses the read cache; used before duplicate-sensitive
// decisions.
func (f *FulfillmentState) LoadFresh(ctx context.Context) (*FulfillmentEnvelope, error) {
	var env FulfillmentEnvelope
	if _, err := f.store.GetFresh(ctx, f.key, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Save overwrites the envelope. Last-writer-wins is acceptable because the
// controller serializes writers.
func (f *FulfillmentState) Save(ctx context.Context, env *FulfillmentEnvelope) error {
	env.LastChecked = time.Now().UTC()
	return f.store.Set(ctx, f.key, env, fulfillmentStateTTL)
}

// Reset deletes the envelope. Operational use only.
func (f *FulfillmentState) Reset(ctx context.Context) error {
	return f.store.Delete(ctx, f.key)
}
