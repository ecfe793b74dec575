package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// OrderCanceller cancels one order of a tracked position.
type OrderCanceller interface {
	Cancel(ctx context.Context, orderID string) error
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderCanceller
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler. audit may be nil.
func NewOrderHandler(orders OrderCanceller, audit domain.AuditStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, audit: audit, logger: logHandler(logger, "orders")}
}

// CancelOrder requests cancellation of one order. The owning coordinator
// applies it; the terminal state arrives on the orders channel.
// POST /api/orders/{id}/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.orders.Cancel(r.Context(), id)
	recordAudit(r.Context(), h.audit, h.logger, "order.cancel", map[string]any{
		"order_id": id,
		"ok":       err == nil,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "cancel rejected",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "order_id": id})
}
