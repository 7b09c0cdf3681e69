package orderhistory

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/XCP/xcpfolio-bot/internal/state"
)

const (
	indexKey  = "xcpfolio:orders:index"
	recordKey = "xcpfolio:orders:"

	recordTTL = 7 * 24 * time.Hour
	indexMax  = 100
)

// Status values a record moves through.
const (
	StatusPending   = "pending"
	StatusBroadcast = "broadcast"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Record is the UI-facing view of one order's fulfillment progress. The
// core's correctness never depends on it.
type Record struct {
	OrderHash    string
	Asset        string
	Buyer        string
	Status       string
	Txid         string
	PriceSats    int64
	BlockIndex   int64
	RBFCount     int64
	UpdatedAt    time.Time
	DeliveredAt  time.Time
}

// History is a fire-and-forget side channel for the status UI: one hash
// per order plus a bounded most-recent-first index. Write failures are
// logged, never surfaced.
type History struct {
	store  *state.Store
	logger zerolog.Logger
}

// New creates the history writer.
func New(store *state.Store, logger zerolog.Logger) *History {
	return &History{
		store:  store,
		logger: logger.With().Str("client", "orderhistory").Logger(),
	}
}

// Publish upserts the order's record and bumps it in the index.
func (h *History) Publish(ctx context.Context, rec Record) {
	if h == nil {
		return
	}
	rec.UpdatedAt = time.Now().UTC()
	fields := encode(rec)
	if err := h.store.HSet(ctx, recordKey+rec.OrderHash, fields, recordTTL); err != nil {
		h.logger.Warn().Err(err).Str("order", rec.OrderHash).Msg("Order history write failed")
		return
	}
	// Re-insert at the head so the index stays most-recent-first.
	if err := h.store.LRem(ctx, indexKey, rec.OrderHash); err != nil {
		h.logger.Warn().Err(err).Msg("Order history index prune failed")
	}
	if err := h.store.LPushTrim(ctx, indexKey, rec.OrderHash, indexMax, recordTTL); err != nil {
		h.logger.Warn().Err(err).Msg("Order history index write failed")
	}
}

// Clear drops the index. Record hashes age out via their own TTL.
// Operational use only.
func (h *History) Clear(ctx context.Context) error {
	return h.store.Delete(ctx, indexKey)
}

// Recent returns up to limit records, most recent first. Read side of the
// status surface.
func (h *History) Recent(ctx context.Context, limit int64) ([]Record, error) {
	if limit <= 0 || limit > indexMax {
		limit = indexMax
	}
	hashes, err := h.store.LRange(ctx, indexKey, 0, limit-1)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(hashes))
	for _, hash := range hashes {
		fields, err := h.store.HGetAll(ctx, recordKey+hash)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		records = append(records, decode(hash, fields))
	}
	return records, nil
}

func encode(rec Record) map[string]string {
	fields := map[string]string{
		"asset":       rec.Asset,
		"buyer":       rec.Buyer,
		"status":      rec.Status,
		"priceSats":   strconv.FormatInt(rec.PriceSats, 10),
		"blockIndex":  strconv.FormatInt(rec.BlockIndex, 10),
		"rbfCount":    strconv.FormatInt(rec.RBFCount, 10),
		"updatedAt":   rec.UpdatedAt.Format(time.RFC3339),
	}
	// Drop empty optional fields at the serializer, not at the call sites.
	if rec.Txid != "" {
		fields["txid"] = rec.Txid
	}
	if !rec.DeliveredAt.IsZero() {
		fields["deliveredAt"] = rec.DeliveredAt.Format(time.RFC3339)
	}
	return fields
}

// decode is the single typed decoder for fields read back from the store.
func decode(hash string, fields map[string]string) Record {
	return Record{
		OrderHash:   hash,
		Asset:       fields["asset"],
		Buyer:       fields["buyer"],
		Status:      fields["status"],
		Txid:        fields["txid"],
		PriceSats:   parseInt(fields["priceSats"]),
		BlockIndex:  parseInt(fields["blockIndex"]),
		RBFCount:    parseInt(fields["rbfCount"]),
		UpdatedAt:   parseTime(fields["updatedAt"]),
		DeliveredAt: parseTime(fields["deliveredAt"]),
	}
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
