package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger provides structured logging for the fulfillment agent.
type ComponentLogger struct {
	logger    zerolog.Logger
	component string
	version   string
}

// NewComponentLogger creates a new component logger.
func NewComponentLogger(component, version string) *ComponentLogger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("component", component).
		Str("version", version).
		Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	return &ComponentLogger{
		logger:    logger,
		component: component,
		version:   version,
	}
}

// Info returns an info level event.
func (cl *ComponentLogger) Info() *zerolog.Event {
	return cl.logger.Info()
}

// Debug returns a debug level event.
func (cl *ComponentLogger) Debug() *zerolog.Event {
	return cl.logger.Debug()
}

// Warn returns a warn level event.
func (cl *ComponentLogger) Warn() *zerolog.Event {
	return cl.logger.Warn()
}

// Error returns an error level event.
func (cl *ComponentLogger) Error() *zerolog.Event {
	return cl.logger.Error()
}

// Fatal returns a fatal level event.
func (cl *ComponentLogger) Fatal() *zerolog.Event {
	return cl.logger.Fatal()
}

// With creates a child logger with additional context.
func (cl *ComponentLogger) With() zerolog.Context {
	return cl.logger.With()
}

// Sub returns a child ComponentLogger scoped to a subsystem.
func (cl *ComponentLogger) Sub(subsystem string) *ComponentLogger {
	return &ComponentLogger{
		logger:    cl.logger.With().Str("subsystem", subsystem).Logger(),
		component: cl.component,
		version:   cl.version,
	}
}

// GetLogger returns the underlying zerolog logger.
func (cl *ComponentLogger) GetLogger() zerolog.Logger {
	return cl.logger
}

// StartupInfo holds configuration logged at agent startup.
type StartupInfo struct {
	Address          string
	Network          string
	DryRun           bool
	CounterpartyAPI  string
	MempoolAPI       string
	StatusPort       int
	CheckInterval    time.Duration
	MaxMempoolTxs    int
}

// LogStartup logs the agent's effective startup configuration.
func (cl *ComponentLogger) LogStartup(info StartupInfo) {
	cl.Info().
		Str("address", info.Address).
		Str("network", info.Network).
		Bool("dry_run", info.DryRun).
		Str("counterparty_api", info.CounterpartyAPI).
		Str("mempool_api", info.MempoolAPI).
		Int("status_port", info.StatusPort).
		Dur("check_interval", info.CheckInterval).
		Int("max_mempool_txs", info.MaxMempoolTxs).
		Msg("Starting xcpfolio fulfillment agent")
}

// RunMetrics holds the outcome counts of a single fulfillment run.
type RunMetrics struct {
	OrdersProcessed int
	Broadcasts      int
	Failures        int
	RunDuration     time.Duration
}

// LogRun logs the outcome of one fulfillment run.
func (cl *ComponentLogger) LogRun(m RunMetrics) {
	cl.Info().
		Int("orders_processed", m.OrdersProcessed).
		Int("broadcasts", m.Broadcasts).
		Int("failures", m.Failures).
		Dur("run_duration", m.RunDuration).
		Msg("Fulfillment run complete")
}

// SetLevel sets the global logging level.
func SetLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		log.Warn().Str("level", level).Msg("Unknown log level, defaulting to info")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
