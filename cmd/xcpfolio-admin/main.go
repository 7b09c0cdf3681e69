package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/XCP/xcpfolio-bot/internal/config"
	"github.com/XCP/xcpfolio-bot/internal/counterparty"
	"github.com/XCP/xcpfolio-bot/internal/logging"
	"github.com/XCP/xcpfolio-bot/internal/orderhistory"
	"github.com/XCP/xcpfolio-bot/internal/state"
)

const usage = `Usage: xcpfolio-admin <task> [args]

Tasks:
  show-state                 print both durable envelopes
  reset-last-block <height>  rewind the fulfillment scan cursor
  clear-processed            empty the processed-order set
  fix-duplicates             dedupe the processed-order set
  backfill-history [n]       publish the last n filled orders to history (default 100)
  rebuild-history [n]        clear the history index, then backfill
  fix-timestamps             repair delivered records missing a delivery time
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	task := os.Args[1]

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fatal("load config: %v", err)
	}
	// Admin tasks only need the store and ledger; the signing key is not
	// required here.
	if cfg.RedisURL == "" {
		fatal("REDIS_URL is required")
	}

	logger := logging.NewComponentLogger("xcpfolio-admin", cfg.ServiceVersion)
	ctx := context.Background()

	store, err := state.NewStore(cfg.RedisURL, cfg.RedisPassword, logger.GetLogger())
	if err != nil {
		fatal("create state store: %v", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		fatal("state store unreachable: %v", err)
	}

	fstate := state.NewFulfillmentState(store)
	mstate := state.NewMaintenanceState(store)
	history := orderhistory.New(store, logger.GetLogger())
	ledger := counterparty.NewClient(cfg.CounterpartyAPI, logger.GetLogger())

	switch task {
	case "show-state":
		fenv, err := fstate.Load(ctx)
		if err != nil {
			fatal("load fulfillment state: %v", err)
		}
		menv, err := mstate.Load(ctx)
		if err != nil {
			fatal("load maintenance state: %v", err)
		}
		printJSON(map[string]interface{}{"fulfillment": fenv, "maintenance": menv})

	case "reset-last-block":
		if len(os.Args) < 3 {
			fatal("reset-last-block requires a height")
		}
		height, err := strconv.ParseInt(os.Args[2], 10, 64)
		if err != nil {
			fatal("invalid height: %v", err)
		}
		env, err := fstate.Load(ctx)
		if err != nil {
			fatal("load state: %v", err)
		}
		env.LastBlock = height
		env.LastCleanup = 0
		if err := fstate.Save(ctx, env); err != nil {
			fatal("save state: %v", err)
		}
		fmt.Printf("lastBlock reset to %d\n", height)

	case "clear-processed":
		env, err := fstate.Load(ctx)
		if err != nil {
			fatal("load state: %v", err)
		}
		n := len(env.ProcessedOrders)
		env.ProcessedOrders = nil
		if err := fstate.Save(ctx, env); err != nil {
			fatal("save state: %v", err)
		}
		fmt.Printf("cleared %d processed orders\n", n)

	case "fix-duplicates":
		env, err := fstate.Load(ctx)
		if err != nil {
			fatal("load state: %v", err)
		}
		seen := make(map[string]bool)
		deduped := env.ProcessedOrders[:0]
		for _, h := range env.ProcessedOrders {
			if !seen[h] {
				seen[h] = true
				deduped = append(deduped, h)
			}
		}
		removed := len(env.ProcessedOrders) - len(deduped)
		env.ProcessedOrders = deduped
		if err := fstate.Save(ctx, env); err != nil {
			fatal("save state: %v", err)
		}
		fmt.Printf("removed %d duplicate entries\n", removed)

	case "backfill-history", "rebuild-history":
		limit := 100
		if len(os.Args) >= 3 {
			if n, err := strconv.Atoi(os.Args[2]); err == nil {
				limit = n
			}
		}
		if task == "rebuild-history" {
			if err := history.Clear(ctx); err != nil {
				fatal("clear history index: %v", err)
			}
		}
		if cfg.Address == "" {
			fatal("XCPFOLIO_ADDRESS is required for history backfill")
		}
		orders, err := ledger.GetOrdersByAddress(ctx, cfg.Address, "filled", limit, 0)
		if err != nil {
			fatal("fetch filled orders: %v", err)
		}
		// Publish oldest first so the index ends up most-recent-first.
		for i := len(orders) - 1; i >= 0; i-- {
			o := orders[i]
			rec := orderhistory.Record{
				OrderHash:  o.TxHash,
				Asset:      o.ShortAssetName(),
				Status:     orderhistory.StatusDelivered,
				PriceSats:  o.GetQuantity,
				BlockIndex: o.BlockIndex,
			}
			if matches, err := ledger.GetOrderMatches(ctx, o.TxHash); err == nil && len(matches) > 0 {
				rec.Buyer = matches[0].Counterparty(cfg.Address)
				if txid, err := ledger.FindTransferTxid(ctx, o.GiveAsset, rec.Buyer); err == nil {
					rec.Txid = txid
				}
			}
			history.Publish(ctx, rec)
		}
		fmt.Printf("backfilled %d orders\n", len(orders))

	case "fix-timestamps":
		records, err := history.Recent(ctx, 100)
		if err != nil {
			fatal("read history: %v", err)
		}
		fixed := 0
		for _, rec := range records {
			if rec.Status == orderhistory.StatusDelivered && rec.DeliveredAt.IsZero() {
				if rec.UpdatedAt.IsZero() {
					rec.DeliveredAt = time.Now().UTC()
				} else {
					rec.DeliveredAt = rec.UpdatedAt
				}
				history.Publish(ctx, rec)
				fixed++
			}
		}
		fmt.Printf("fixed %d records\n", fixed)

	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("encode: %v", err)
	}
	fmt.Println(string(data))
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
