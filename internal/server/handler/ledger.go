package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// LedgerReader returns settled performance records.
type LedgerReader interface {
	Range(ctx context.Context, from, to time.Time) ([]domain.PerformanceRecord, error)
}

// StreamReader reads a durable event stream after a message id.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// LedgerHandler serves the performance ledger.
type LedgerHandler struct {
	ledger LedgerReader
	stream StreamReader
	logger *slog.Logger
	now    func() time.Time
}

// NewLedgerHandler creates a LedgerHandler. stream may be nil, which disables
// the settlement event replay.
func NewLedgerHandler(ledger LedgerReader, stream StreamReader, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, stream: stream, logger: logHandler(logger, "ledger"), now: time.Now}
}

type ledgerTotals struct {
	Records     int             `json:"records"`
	EntryCost   decimal.Decimal `json:"entry_cost"`
	Payout      decimal.Decimal `json:"payout"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

type ledgerResponse struct {
	From    time.Time                  `json:"from"`
	To      time.Time                  `json:"to"`
	Records []domain.PerformanceRecord `json:"records"`
	Totals  ledgerTotals               `json:"totals"`
}

// Range returns records whose window closed in [from, to) with totals.
// Defaults to the last 24 hours.
// GET /api/ledger?from=RFC3339&to=RFC3339
func (h *LedgerHandler) Range(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	to, err := parseTimeParam(r, "to", now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseTimeParam(r, "from", to.Add(-24*time.Hour))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	recs, err := h.ledger.Range(r.Context(), from, to)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "ledger range failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "failed to read ledger")
		return
	}
	if recs == nil {
		recs = []domain.PerformanceRecord{}
	}

	totals := ledgerTotals{Records: len(recs)}
	for _, rec := range recs {
		totals.EntryCost = totals.EntryCost.Add(rec.EntryCost)
		totals.Payout = totals.Payout.Add(rec.Payout)
		totals.FeesPaid = totals.FeesPaid.Add(rec.FeesPaid)
		totals.RealizedPnL = totals.RealizedPnL.Add(rec.RealizedPnL)
	}
	writeJSON(w, http.StatusOK, ledgerResponse{From: from, To: to, Records: recs, Totals: totals})
}

type streamEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

type streamResponse struct {
	Entries []streamEntry `json:"entries"`
	LastID  string        `json:"last_id"`
}

// Stream replays settlement events appended after a stream id, so a client
// that missed live ledger messages can catch up. Defaults: after=0, count=100
// (max 1000). last_id echoes after when nothing is newer.
// GET /api/ledger/stream?after=ID&count=N
func (h *LedgerHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger stream not configured")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = min(n, 1000)
	}

	msgs, err := h.stream.StreamRead(r.Context(), domain.ChannelLedger, after, count)
	if err != nil {
		h.logger.WarnContext(r.Context(), "ledger stream read failed",
			slog.String("after", after),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}
	resp := streamResponse{Entries: make([]streamEntry, 0, len(msgs)), LastID: after}
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		resp.Entries = append(resp.Entries, streamEntry{ID: m.ID, Event: m.Payload})
		resp.LastID = m.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
