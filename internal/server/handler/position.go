package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Positions() []domain.Position
	Position(opportunityID string) (domain.Position, error)
	ForceFlatten(ctx context.Context, opportunityID string) error
	Halts() map[string]string
	ClearHalt(ctx context.Context, setKey string) error
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. audit may be nil.
func NewPositionHandler(positions PositionService, audit domain.AuditStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		audit:     audit,
		logger:    logHandler(logger, "positions"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns every tracked position, optionally filtered by
// ?status=.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	status := domain.PositionStatus(r.URL.Query().Get("status"))
	positions := []domain.Position{}
	for _, p := range h.positions.Positions() {
		if status != "" && p.Status != status {
			continue
		}
		positions = append(positions, p)
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns a single position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.positions.Position(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Flatten cancels the position's open legs and sells every filled quantity.
// POST /api/positions/{id}/flatten
func (h *PositionHandler) Flatten(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.positions.ForceFlatten(r.Context(), id)
	recordAudit(r.Context(), h.audit, h.logger, "position.flatten", map[string]any{
		"opportunity_id": id,
		"ok":             err == nil,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "flatten rejected",
			slog.String("opportunity_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flattening", "opportunity_id": id})
}

// listHaltsResponse maps set key to halt reason.
type listHaltsResponse struct {
	Halts map[string]string `json:"halts"`
}

// ListHalts returns every halted set.
// GET /api/halts
func (h *PositionHandler) ListHalts(w http.ResponseWriter, r *http.Request) {
	halts := h.positions.Halts()
	if halts == nil {
		halts = map[string]string{}
	}
	writeJSON(w, http.StatusOK, listHaltsResponse{Halts: halts})
}

// ClearHalt resumes submissions on a halted set.
// POST /api/halts/{key}/clear
func (h *PositionHandler) ClearHalt(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	err := h.positions.ClearHalt(r.Context(), key)
	recordAudit(r.Context(), h.audit, h.logger, "halt.clear", map[string]any{
		"set_key": key,
		"ok":      err == nil,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "set_key": key})
}
