package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/XCP/xcpfolio-bot/internal/fulfillment"
	"github.com/XCP/xcpfolio-bot/internal/maintenance"
	"github.com/XCP/xcpfolio-bot/internal/orderhistory"
)

// StatusServer is the read-only HTTP surface: controller snapshots, recent
// order history, and Prometheus metrics. It never influences control flow.
type StatusServer struct {
	port        int
	server      *http.Server
	fulfillment *fulfillment.Controller
	maintenance *maintenance.Controller
	history     *orderhistory.History
	logger      zerolog.Logger
	startTime   time.Time
}

// New creates the status server.
func New(port int, f *fulfillment.Controller, m *maintenance.Controller, h *orderhistory.History, logger zerolog.Logger) *StatusServer {
	return &StatusServer{
		port:        port,
		fulfillment: f,
		maintenance: m,
		history:     h,
		logger:      logger.With().Str("server", "status").Logger(),
		startTime:   time.Now(),
	}
}

// Start begins serving in the background.
func (s *StatusServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/orders", s.handleOrders)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info().Int("port", s.port).Msg("Status endpoint listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Status server error")
		}
	}()
	return nil
}

// Stop shuts the server down with a short grace period.
func (s *StatusServer) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.fulfillment.GetState()
	status := s.maintenance.GetStatus(r.Context())

	response := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"fulfillment": map[string]interface{}{
			"running":             snapshot.Running,
			"last_run":            snapshot.LastRun,
			"active_transactions": snapshot.ActiveTxs,
			"failed_orders":       snapshot.FailedOrders,
		},
		"maintenance": status,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *StatusServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			limit = n
		}
	}
	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("order history read failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"orders": records})
}
