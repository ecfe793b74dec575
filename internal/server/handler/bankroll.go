package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// BankrollReader exposes the bankroll snapshot.
type BankrollReader interface {
	Snapshot() domain.BankrollSnapshot
}

// UnrealizedReader reports capital deployed in unsettled positions.
type UnrealizedReader interface {
	Unrealized() decimal.Decimal
}

// BankrollHandler serves the bankroll snapshot.
type BankrollHandler struct {
	book   BankrollReader
	ledger UnrealizedReader
}

// NewBankrollHandler creates a BankrollHandler. ledger may be nil.
func NewBankrollHandler(book BankrollReader, ledger UnrealizedReader) *BankrollHandler {
	return &BankrollHandler{book: book, ledger: ledger}
}

type bankrollResponse struct {
	domain.BankrollSnapshot
	Unrealized *decimal.Decimal `json:"unrealized,omitempty"`
}

// Snapshot returns available capital, reservations and exposure.
// GET /api/bankroll
func (h *BankrollHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	resp := bankrollResponse{BankrollSnapshot: h.book.Snapshot()}
	if h.ledger != nil {
		u := h.ledger.Unrealized()
		resp.Unrealized = &u
	}
	writeJSON(w, http.StatusOK, resp)
}
