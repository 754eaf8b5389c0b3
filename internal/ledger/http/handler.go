// Package ledgerhttp exposes the engine's operational endpoints:
// quarantine visibility and the manual verify and rebuild actions.
// The query and adjustment API itself is served in process and over
// the CLI, not over HTTP.
package ledgerhttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kardex-erp/kardex/internal/ledger"
	"github.com/kardex-erp/kardex/internal/platform/httpx"
)

// Engine is the slice of the ledger service the ops surface needs.
type Engine interface {
	Faults() []*ledger.ConsistencyFault
	Verify(ctx context.Context, key ledger.Key) error
	Rebuild(ctx context.Context, key ledger.Key) (ledger.StockAggregate, error)
}

// Handler serves the engine ops endpoints.
type Handler struct {
	engine Engine
	logger *slog.Logger
}

// NewHandler constructs the ops handler.
func NewHandler(engine Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// MountRoutes attaches the engine ops routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/faults", h.listFaults)
	r.Post("/verify", h.verify)
	r.Post("/rebuild", h.rebuild)
}

type keyPayload struct {
	ProductID  int64 `json:"product_id"`
	LocationID int64 `json:"location_id"`
}

type faultView struct {
	ProductID  int64     `json:"product_id"`
	LocationID int64     `json:"location_id"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}

type aggregateView struct {
	ProductID      int64  `json:"product_id"`
	LocationID     int64  `json:"location_id"`
	Quantity       int64  `json:"quantity"`
	AvgCost        string `json:"avg_cost"`
	AppliedEventID int64  `json:"applied_event_id"`
}

func (h *Handler) listFaults(w http.ResponseWriter, r *http.Request) {
	faults := h.engine.Faults()
	views := make([]faultView, 0, len(faults))
	for _, fault := range faults {
		views = append(views, faultView{
			ProductID:  fault.Key.ProductID,
			LocationID: fault.Key.LocationID,
			Reason:     fault.Reason,
			DetectedAt: fault.DetectedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"faults": views})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	key, ok := h.decodeKey(w, r)
	if !ok {
		return
	}
	if err := h.engine.Verify(r.Context(), key); err != nil {
		h.logger.Warn("verify key",
			slog.Int64("product_id", key.ProductID),
			slog.Int64("location_id", key.LocationID),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) rebuild(w http.ResponseWriter, r *http.Request) {
	key, ok := h.decodeKey(w, r)
	if !ok {
		return
	}
	agg, err := h.engine.Rebuild(r.Context(), key)
	if err != nil {
		h.logger.Error("rebuild key",
			slog.Int64("product_id", key.ProductID),
			slog.Int64("location_id", key.LocationID),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aggregateView{
		ProductID:      agg.ProductID,
		LocationID:     agg.LocationID,
		Quantity:       agg.Quantity,
		AvgCost:        agg.AvgCost.String(),
		AppliedEventID: agg.AppliedEventID,
	})
}

func (h *Handler) decodeKey(w http.ResponseWriter, r *http.Request) (ledger.Key, bool) {
	var payload keyPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Payload", err.Error())
		return ledger.Key{}, false
	}
	if payload.ProductID <= 0 || payload.LocationID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Payload", "product_id and location_id must be positive")
		return ledger.Key{}, false
	}
	return ledger.Key{ProductID: payload.ProductID, LocationID: payload.LocationID}, true
}
