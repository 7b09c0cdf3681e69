package state

import (
	"context"
	"fmt"
	"testing"
)

func TestEnvelopeProcessedSet(t *testing.T) {
	env := &FulfillmentEnvelope{}
	env.MarkProcessed("h1")
	env.MarkProcessed("h2")
	env.MarkProcessed("h1") // duplicate

	if len(env.ProcessedOrders) != 2 {
		t.Fatalf("processed set = %v, want 2 entries", env.ProcessedOrders)
	}
	if !env.IsProcessed("h1") || !env.IsProcessed("h2") {
		t.Error("membership lost")
	}
	if env.IsProcessed("h3") {
		t.Error("unknown hash reported processed")
	}
}

func TestEnvelopeProcessedBound(t *testing.T) {
	env := &FulfillmentEnvelope{}
	for i := 0; i < maxProcessedOrders+50; i++ {
		env.MarkProcessed(fmt.Sprintf("h%d", i))
	}
	if len(env.ProcessedOrders) != maxProcessedOrders {
		t.Fatalf("processed set size = %d, want %d", len(env.ProcessedOrders), maxProcessedOrders)
	}
	// The most recent entries survive truncation.
	if !env.IsProcessed(fmt.Sprintf("h%d", maxProcessedOrders+49)) {
		t.Error("newest entry lost to truncation")
	}
	if env.IsProcessed("h0") {
		t.Error("oldest entry should have been truncated")
	}
}

func TestEnvelopeTruncate(t *testing.T) {
	env := &FulfillmentEnvelope{}
	for i := 0; i < 250; i++ {
		env.MarkProcessed(fmt.Sprintf("h%d", i))
	}
	env.Truncate(0)
	if len(env.ProcessedOrders) != cleanupKeep {
		t.Fatalf("truncated size = %d, want %d", len(env.ProcessedOrders), cleanupKeep)
	}
	if !env.IsProcessed("h249") {
		t.Error("most recent entry must survive cleanup")
	}
}

func TestEnvelopeLastBlockMonotone(t *testing.T) {
	env := &FulfillmentEnvelope{}
	env.SetLastBlock(100)
	env.SetLastBlock(90)
	if env.LastBlock != 100 {
		t.Errorf("LastBlock = %d, want 100 (monotone)", env.LastBlock)
	}
	env.SetLastBlock(110)
	if env.LastBlock != 110 {
		t.Errorf("LastBlock = %d, want 110", env.LastBlock)
	}
}

func TestFulfillmentStateRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	fs := NewFulfillmentState(store)

	env, err := fs.Load(ctx)
	if err != nil {
		t.Fatalf("Load on empty store failed: %v", err)
	}
	if env.LastBlock != 0 || len(env.ProcessedOrders) != 0 {
		t.Fatalf("empty envelope not zero: %+v", env)
	}

	env.SetLastBlock(840000)
	env.LastOrderHash = "abc"
	env.MarkProcessed("h1")
	env.LastCleanup = 839900
	if err := fs.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := fs.LoadFresh(ctx)
	if err != nil {
		t.Fatalf("LoadFresh failed: %v", err)
	}
	if got.LastBlock != 840000 || got.LastOrderHash != "abc" || got.LastCleanup != 839900 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.IsProcessed("h1") {
		t.Error("processed set lost in round trip")
	}
	if got.LastChecked.IsZero() {
		t.Error("Save should stamp LastChecked")
	}
}
