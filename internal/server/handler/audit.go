package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// AuditHandler serves the operator audit trail.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logHandler(logger, "audit"), now: time.Now}
}

// List returns audit entries newest first. Defaults: since=24h ago,
// limit=100 (max 1000).
// GET /api/audit?since=RFC3339&limit=N
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	since, err := parseTimeParam(r, "since", h.now().Add(-24*time.Hour))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}

	entries, err := h.audit.List(r.Context(), since, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
