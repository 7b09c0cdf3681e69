package state

import (
	"context"
	"testing"
	"time"
)

func TestMaintenanceEnvelopePrune(t *testing.T) {
	now := time.Now().UTC()
	env := &MaintenanceEnvelope{
		ActiveOrders: map[string]ActiveOrder{
			"FRESH": {Asset: "FRESH", Txid: "t1", BroadcastTime: now.Add(-time.Hour)},
			"STALE": {Asset: "STALE", Txid: "t2", BroadcastTime: now.Add(-3 * time.Hour)},
		},
	}
	env.PruneExpired(now)
	if _, ok := env.ActiveOrders["FRESH"]; !ok {
		t.Error("unexpired marker pruned")
	}
	if _, ok := env.ActiveOrders["STALE"]; ok {
		t.Error("expired marker survived")
	}
}

func TestMaintenanceStateRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ms := NewMaintenanceState(store)

	env, err := ms.Load(ctx)
	if err != nil {
		t.Fatalf("Load on empty store failed: %v", err)
	}
	if env.ActiveOrders == nil || env.FailedAssets == nil {
		t.Fatal("Load must normalize nil maps")
	}

	if err := ms.MarkActive(ctx, ActiveOrder{
		Asset:         "PEPE",
		Txid:          PendingTxid,
		BroadcastTime: time.Now().UTC(),
		Price:         2.5,
	}); err != nil {
		t.Fatalf("MarkActive failed: %v", err)
	}

	got, err := ms.LoadFresh(ctx)
	if err != nil {
		t.Fatalf("LoadFresh failed: %v", err)
	}
	order, ok := got.ActiveOrders["PEPE"]
	if !ok {
		t.Fatal("marker missing after MarkActive")
	}
	if order.Txid != PendingTxid || order.Price != 2.5 {
		t.Errorf("marker = %+v", order)
	}

	if err := ms.UpdateActiveTxid(ctx, "PEPE", "deadbeef"); err != nil {
		t.Fatalf("UpdateActiveTxid failed: %v", err)
	}
	got, _ = ms.LoadFresh(ctx)
	if got.ActiveOrders["PEPE"].Txid != "deadbeef" {
		t.Errorf("txid = %q, want deadbeef", got.ActiveOrders["PEPE"].Txid)
	}

	// Updating an unknown asset is a no-op, not an error.
	if err := ms.UpdateActiveTxid(ctx, "GHOST", "t"); err != nil {
		t.Fatalf("UpdateActiveTxid for unknown asset: %v", err)
	}
}

func TestLoadObservesExpiredMarkers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ms := NewMaintenanceState(store)

	env, _ := ms.Load(ctx)
	env.ActiveOrders["OLD"] = ActiveOrder{
		Asset:         "OLD",
		Txid:          "t",
		BroadcastTime: time.Now().UTC().Add(-3 * time.Hour),
	}
	if err := ms.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Reads are pure observations: an expired marker stays visible and
	// nothing is written back.
	got, err := ms.LoadFresh(ctx)
	if err != nil {
		t.Fatalf("LoadFresh failed: %v", err)
	}
	if _, ok := got.ActiveOrders["OLD"]; !ok {
		t.Error("expired marker must still be observable on load")
	}
}

func TestExpireMarkers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ms := NewMaintenanceState(store)

	env, _ := ms.Load(ctx)
	env.ActiveOrders["OLD"] = ActiveOrder{
		Asset:         "OLD",
		Txid:          "t",
		BroadcastTime: time.Now().UTC().Add(-3 * time.Hour),
	}
	env.ActiveOrders["FRESH"] = ActiveOrder{
		Asset:         "FRESH",
		Txid:          "t2",
		BroadcastTime: time.Now().UTC(),
	}
	if err := ms.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	removed, err := ms.ExpireMarkers(ctx)
	if err != nil {
		t.Fatalf("ExpireMarkers failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	got, _ := ms.LoadFresh(ctx)
	if _, ok := got.ActiveOrders["OLD"]; ok {
		t.Error("expired marker should be gone after ExpireMarkers")
	}
	if _, ok := got.ActiveOrders["FRESH"]; !ok {
		t.Error("live marker must survive ExpireMarkers")
	}

	// Nothing left to expire: no write happens, no error.
	removed, err = ms.ExpireMarkers(ctx)
	if err != nil {
		t.Fatalf("ExpireMarkers failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestMarkActivePrunesOnWriteBack(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ms := NewMaintenanceState(store)

	env, _ := ms.Load(ctx)
	env.ActiveOrders["OLD"] = ActiveOrder{
		Asset:         "OLD",
		Txid:          "t",
		BroadcastTime: time.Now().UTC().Add(-3 * time.Hour),
	}
	if err := ms.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := ms.MarkActive(ctx, ActiveOrder{
		Asset:         "NEW",
		Txid:          PendingTxid,
		BroadcastTime: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("MarkActive failed: %v", err)
	}

	got, _ := ms.LoadFresh(ctx)
	if _, ok := got.ActiveOrders["OLD"]; ok {
		t.Error("write-back should drop expired markers")
	}
	if _, ok := got.ActiveOrders["NEW"]; !ok {
		t.Error("new marker missing")
	}
}
