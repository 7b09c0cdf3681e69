package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/XCP/xcpfolio-bot/internal/bitcoin"
	"github.com/XCP/xcpfolio-bot/internal/config"
	"github.com/XCP/xcpfolio-bot/internal/counterparty"
	"github.com/XCP/xcpfolio-bot/internal/fulfillment"
	"github.com/XCP/xcpfolio-bot/internal/logging"
	"github.com/XCP/xcpfolio-bot/internal/maintenance"
	"github.com/XCP/xcpfolio-bot/internal/metrics"
	"github.com/XCP/xcpfolio-bot/internal/notify"
	"github.com/XCP/xcpfolio-bot/internal/orderhistory"
	"github.com/XCP/xcpfolio-bot/internal/prices"
	"github.com/XCP/xcpfolio-bot/internal/server"
	"github.com/XCP/xcpfolio-bot/internal/state"
)

// drainTimeout bounds how long shutdown waits for in-flight runs.
const drainTimeout = 30 * time.Second

func main() {
	once := flag.Bool("once", false, "run one fulfillment tick and exit (external cron mode)")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger := logging.NewComponentLogger(cfg.ServiceName, cfg.ServiceVersion)
	logging.SetLevel(cfg.LogLevel)
	logger.LogStartup(logging.StartupInfo{
		Address:         cfg.Address,
		Network:         cfg.Network,
		DryRun:          cfg.DryRun,
		CounterpartyAPI: cfg.CounterpartyAPI,
		MempoolAPI:      cfg.MempoolAPI,
		StatusPort:      cfg.StatusPort,
		CheckInterval:   cfg.CheckInterval,
		MaxMempoolTxs:   cfg.MaxMempoolTxs,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := state.NewStore(cfg.RedisURL, cfg.RedisPassword, logger.GetLogger())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create state store")
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("State store unreachable")
	}

	ledger := counterparty.NewClient(cfg.CounterpartyAPI, logger.GetLogger())
	chain := bitcoin.NewChainClient([]string{cfg.MempoolAPI, cfg.BlockstreamAPI}, logger.GetLogger())
	signer, err := bitcoin.NewSigner(cfg.PrivateKeyWIF, cfg.Network, chain)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize signer")
	}

	agentMetrics := metrics.New()
	notifier := notify.New(cfg.WebhookURL, logger.GetLogger())
	history := orderhistory.New(store, logger.GetLogger())

	fulfiller := fulfillment.NewController(fulfillment.Options{
		Address:            cfg.Address,
		DryRun:             cfg.DryRun,
		MaxMempoolTxs:      cfg.MaxMempoolTxs,
		ComposeCooldown:    cfg.ComposeCooldown,
		RBFEnabled:         cfg.RBFEnabled,
		StuckTxThreshold:   cfg.StuckTxThreshold,
		MaxTotalFeeSats:    cfg.MaxTotalFeeSats,
		MaxFeeRateForNewTx: cfg.MaxFeeRateForNewTx,
	}, ledger, chain, signer, state.NewFulfillmentState(store), notifier, history, agentMetrics, logger.GetLogger())

	maintainer := maintenance.NewController(maintenance.Options{
		Address:            cfg.Address,
		DryRun:             cfg.DryRun,
		MaxMempoolTxs:      cfg.MaxMempoolTxs,
		OrderExpiration:    cfg.OrderExpiration,
		WaitAfterBroadcast: cfg.WaitAfterBroadcast,
	}, ledger, chain, signer, state.NewMaintenanceState(store),
		state.NewDistributedLock(store, state.MaintenanceLockKey, state.DefaultLockTTL),
		notifier, agentMetrics, logger.GetLogger())

	if cfg.PricesFile != "" {
		table, err := prices.LoadFile(cfg.PricesFile)
		if err != nil {
			logger.Fatal().Err(err).Str("file", cfg.PricesFile).Msg("Failed to load price table")
		}
		maintainer.SetPrices(table)
		logger.Info().Int("assets", len(table)).Msg("Price table loaded")
	} else {
		logger.Warn().Msg("No price table configured, maintenance will not relist")
	}

	if *once {
		started := time.Now()
		results, err := fulfiller.Process(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Fulfillment run failed")
			os.Exit(1)
		}
		logRunOutcome(logger, results, time.Since(started))
		return
	}

	statusServer := server.New(cfg.StatusPort, fulfiller, maintainer, history, logger.GetLogger())
	if err := statusServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start status server")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()
		for {
			started := time.Now()
			results, err := fulfiller.Process(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Fulfillment run failed")
			} else {
				logRunOutcome(logger, results, time.Since(started))
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := maintainer.Run(ctx); err != nil {
					logger.Error().Err(err).Msg("Maintenance run failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	fulfiller.RequestStop()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		logger.Warn().Msg("Drain timeout reached, exiting with work in flight")
	}

	if err := statusServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping status server")
	}
	logger.Info().Msg("Fulfillment agent stopped")
}

// logRunOutcome summarizes one fulfillment tick. Runs that handled no
// orders stay quiet.
func logRunOutcome(logger *logging.ComponentLogger, results []fulfillment.Result, elapsed time.Duration) {
	if len(results) == 0 {
		return
	}
	m := logging.RunMetrics{OrdersProcessed: len(results), RunDuration: elapsed}
	for _, res := range results {
		if res.Success && res.Stage == fulfillment.StageBroadcast {
			m.Broadcasts++
		}
		if !res.Success {
			m.Failures++
		}
	}
	logger.LogRun(m)
}
