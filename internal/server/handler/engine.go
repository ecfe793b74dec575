package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/engine"
)

// EngineControl is the part of the engine the command surface drives.
type EngineControl interface {
	Start()
	Stop()
	Status() engine.Status
}

// EngineHandler serves engine start/stop/status.
type EngineHandler struct {
	engine EngineControl
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewEngineHandler creates an EngineHandler. audit may be nil.
func NewEngineHandler(e EngineControl, audit domain.AuditStore, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{engine: e, audit: audit, logger: logHandler(logger, "engine")}
}

// Start resumes ticking.
// POST /api/engine/start
func (h *EngineHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.engine.Start()
	recordAudit(r.Context(), h.audit, h.logger, "engine.start", nil)
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// Stop pauses ticking; positions already executing run to completion.
// POST /api/engine/stop
func (h *EngineHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop()
	recordAudit(r.Context(), h.audit, h.logger, "engine.stop", nil)
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// Status returns the engine snapshot.
// GET /api/engine/status
func (h *EngineHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}
