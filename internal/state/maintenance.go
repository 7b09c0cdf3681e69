package state

import (
	"context"
	"time"
)

const (
	// MaintenanceStateKey holds the maintenance controller's durable envelope.
	MaintenanceStateKey = "xcpfolio:maintenance:state"

	maintenanceStateTTL = 30 * 24 * time.Hour

	// ActiveOrderTTL is the sole clearing mechanism for active-order
	// markers. While a marker is live, no new listing is composed for
	// that asset.
	ActiveOrderTTL = 2 * time.Hour

	// PendingTxid is the placeholder written before compose to seal the
	// race window.
	PendingTxid = "pending"
)

// ActiveOrder marks an asset as having a listing in flight or in mempool.
type ActiveOrder struct {
	Asset         string    `json:"asset"`
	Txid          string    `json:"txid"`
	BroadcastTime time.Time `json:"broadcastTime"`
	Price         float64   `json:"price"`
}

// Expired reports whether the marker has outlived its TTL.
func (a *ActiveOrder) Expired(now time.Time) bool {
	return now.Sub(a.BroadcastTime) >= ActiveOrderTTL
}

// AssetFailure tracks repeated listing failures for one asset.
type AssetFailure struct {
	Count           int       `json:"count"`
	LastError       string    `json:"lastError"`
	LastAttemptTime time.Time `json:"lastAttemptTime"`
}

// MaintenanceEnvelope is the maintenance controller's durable snapshot.
type MaintenanceEnvelope struct {
	LastRun      time.Time               `json:"lastRun"`
	ActiveOrders map[string]ActiveOrder  `json:"activeOrders"`
	FailedAssets map[string]AssetFailure `json:"failedAssets"`
}

// PruneExpired drops active-order markers past their TTL. Expiry is the
// only way a marker clears; errors never remove it.
func (e *MaintenanceEnvelope) PruneExpired(now time.Time) {
	for asset, order := range e.ActiveOrders {
		if order.Expired(now) {
			delete(e.ActiveOrders, asset)
		}
	}
}

// MaintenanceState manages the durable envelope in the store.
type MaintenanceState struct {
	store *Store
	key   string
}

// NewMaintenanceState creates the envelope manager.
func NewMaintenanceState(store *Store) *MaintenanceState {
	return &MaintenanceState{store: store, key: MaintenanceStateKey}
}

// Load reads the envelope. A pure observation: expired markers are
// returned as-is and nothing is written back. Maps are always non-nil
// on return.
func (m *MaintenanceState) Load(ctx context.Context) (*MaintenanceEnvelope, error) {
	var env MaintenanceEnvelope
	if _, err := m.store.Get(ctx, m.key, &env); err != nil {
		return nil, err
	}
	normalize(&env)
	return &env, nil
}

// LoadFresh bypasses the read cache; used immediately before composing a
// listing to close the duplicate window. A pure observation like Load.
func (m *MaintenanceState) LoadFresh(ctx context.Context) (*MaintenanceEnvelope, error) {
	var env MaintenanceEnvelope
	if _, err := m.store.GetFresh(ctx, m.key, &env); err != nil {
		return nil, err
	}
	normalize(&env)
	return &env, nil
}

func normalize(env *MaintenanceEnvelope) {
	if env.ActiveOrders == nil {
		env.ActiveOrders = make(map[string]ActiveOrder)
	}
	if env.FailedAssets == nil {
		env.FailedAssets = make(map[string]AssetFailure)
	}
}

// Save overwrites the envelope.
func (m *MaintenanceState) Save(ctx context.Context, env *MaintenanceEnvelope) error {
	return m.store.Set(ctx, m.key, env, maintenanceStateTTL)
}

// MarkActive writes the asset's marker through a fresh read-modify-write,
// so concurrent maintenance ticks on other replicas are not clobbered.
// Markers past their TTL are dropped here, on the write-back path.
func (m *MaintenanceState) MarkActive(ctx context.Context, order ActiveOrder) error {
	env, err := m.LoadFresh(ctx)
	if err != nil {
		return err
	}
	env.PruneExpired(time.Now().UTC())
	env.ActiveOrders[order.Asset] = order
	return m.Save(ctx, env)
}

// UpdateActiveTxid replaces the pending placeholder with the broadcast txid.
func (m *MaintenanceState) UpdateActiveTxid(ctx context.Context, asset, txid string) error {
	env, err := m.LoadFresh(ctx)
	if err != nil {
		return err
	}
	env.PruneExpired(time.Now().UTC())
	order, ok := env.ActiveOrders[asset]
	if !ok {
		return nil
	}
	order.Txid = txid
	env.ActiveOrders[asset] = order
	return m.Save(ctx, env)
}

// ExpireMarkers is the one deliberate clearing step: a fresh
// read-modify-write that drops markers past their TTL. Callers run it
// under the distributed lock, after any observation that depends on the
// markers still being present. Returns how many were removed.
func (m *MaintenanceState) ExpireMarkers(ctx context.Context) (int, error) {
	env, err := m.LoadFresh(ctx)
	if err != nil {
		return 0, err
	}
	before := len(env.ActiveOrders)
	env.PruneExpired(time.Now().UTC())
	removed := before - len(env.ActiveOrders)
	if removed == 0 {
		return 0, nil
	}
	return removed, m.Save(ctx, env)
}
