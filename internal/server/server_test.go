package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/engine"
	"github.com/alanyoungcy/windowarb/internal/server/handler"
	"github.com/alanyoungcy/windowarb/internal/store/memory"
)

type fakeEngine struct {
	mu      sync.Mutex
	running bool
}

func (f *fakeEngine) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

func (f *fakeEngine) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{Running: f.running, Mode: "run"}
}

type fakeExecutor struct {
	positions []domain.Position
	cancelled []string
	halts     map[string]string
}

func (f *fakeExecutor) Positions() []domain.Position { return f.positions }

func (f *fakeExecutor) Position(id string) (domain.Position, error) {
	for _, p := range f.positions {
		if p.OpportunityID == id {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (f *fakeExecutor) ForceFlatten(_ context.Context, id string) error {
	p, err := f.Position(id)
	if err != nil {
		return fmt.Errorf("executor: flatten %s: %w", id, err)
	}
	if p.Status == domain.PositionStatusSettled {
		return fmt.Errorf("executor: flatten %s: %w", id, domain.ErrInvalidTransition)
	}
	return nil
}

func (f *fakeExecutor) Halts() map[string]string { return f.halts }

func (f *fakeExecutor) ClearHalt(_ context.Context, key string) error {
	if _, ok := f.halts[key]; !ok {
		return fmt.Errorf("executor: clear halt %s: %w", key, domain.ErrNotFound)
	}
	delete(f.halts, key)
	return nil
}

func (f *fakeExecutor) Cancel(_ context.Context, id string) error {
	if id == "missing" {
		return domain.ErrNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeLedger struct {
	recs []domain.PerformanceRecord
}

func (f *fakeLedger) Range(_ context.Context, from, to time.Time) ([]domain.PerformanceRecord, error) {
	var out []domain.PerformanceRecord
	for _, r := range f.recs {
		if !r.WindowClose.Before(from) && r.WindowClose.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLedger) Unrealized() decimal.Decimal { return decimal.RequireFromString("4.5") }

type fakeBook struct{}

func (fakeBook) Snapshot() domain.BankrollSnapshot {
	return domain.BankrollSnapshot{Available: decimal.NewFromInt(90), Exposure: decimal.RequireFromString("4.5")}
}

type fixture struct {
	handler  http.Handler
	engine   *fakeEngine
	executor *fakeExecutor
	audit    *memory.AuditStore
	bus      *memory.Bus
}

func newFixture(t *testing.T, apiKey string, checks map[string]handler.HealthCheck) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		engine: &fakeEngine{running: true},
		executor: &fakeExecutor{positions: []domain.Position{
			{OpportunityID: "opp-open", Status: domain.PositionStatusOpen},
			{OpportunityID: "opp-done", Status: domain.PositionStatusSettled},
		}, halts: map[string]string{"complementary:UP+DOWN": "compensating order did not fill"}},
		audit: memory.NewAuditStore(nil),
		bus:   memory.NewBus(100),
	}
	ledger := &fakeLedger{recs: []domain.PerformanceRecord{
		{OpportunityID: "a", WindowClose: time.Date(2026, 3, 2, 12, 15, 0, 0, time.UTC), RealizedPnL: decimal.RequireFromString("0.30"), FeesPaid: decimal.RequireFromString("0.01")},
		{OpportunityID: "b", WindowClose: time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC), RealizedPnL: decimal.RequireFromString("-0.10")},
		{OpportunityID: "c", WindowClose: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), RealizedPnL: decimal.NewFromInt(5)},
	}}
	srv := NewServer(Config{Port: 0, APIKey: apiKey}, Handlers{
		Health:    handler.NewHealthHandler(checks, logger),
		Engine:    handler.NewEngineHandler(f.engine, f.audit, logger),
		Positions: handler.NewPositionHandler(f.executor, f.audit, logger),
		Orders:    handler.NewOrderHandler(f.executor, f.audit, logger),
		Ledger:    handler.NewLedgerHandler(ledger, f.bus, logger),
		Bankroll:  handler.NewBankrollHandler(fakeBook{}, ledger),
		Audit:     handler.NewAuditHandler(f.audit, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	}, logger)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestAuthProtectsAPIButNotHealthOrMetrics(t *testing.T) {
	f := newFixture(t, "secret", nil)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/engine/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/engine/status", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/engine/status", "secret").Code)
}

func TestEngineStopStartIsAudited(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodPost, "/api/engine/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st engine.Status
	decode(t, rec, &st)
	assert.False(t, st.Running)

	rec = f.do(t, http.MethodPost, "/api/engine/start", "")
	decode(t, rec, &st)
	assert.True(t, st.Running)

	entries, err := f.audit.List(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "engine.start", entries[0].Event)
	assert.Equal(t, "engine.stop", entries[1].Event)

	rec = f.do(t, http.MethodGet, "/api/audit?since=2000-01-01T00:00:00Z&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []domain.AuditEntry `json:"entries"`
	}
	decode(t, rec, &body)
	assert.Len(t, body.Entries, 1)
}

func TestPositionsListAndFilter(t *testing.T) {
	f := newFixture(t, "", nil)

	var body struct {
		Positions []domain.Position `json:"positions"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/positions", ""), &body)
	assert.Len(t, body.Positions, 2)

	decode(t, f.do(t, http.MethodGet, "/api/positions?status=open", ""), &body)
	require.Len(t, body.Positions, 1)
	assert.Equal(t, "opp-open", body.Positions[0].OpportunityID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/positions/nope", "").Code)
}

func TestFlattenMapsErrors(t *testing.T) {
	f := newFixture(t, "", nil)

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/positions/opp-open/flatten", "").Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/positions/opp-done/flatten", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/positions/nope/flatten", "").Code)

	entries, err := f.audit.List(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestHaltsListAndOperatorClear(t *testing.T) {
	f := newFixture(t, "", nil)

	var body struct {
		Halts map[string]string `json:"halts"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/halts", ""), &body)
	assert.Contains(t, body.Halts, "complementary:UP+DOWN")

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/halts/complementary:UP+DOWN/clear", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/halts/complementary:UP+DOWN/clear", "").Code)
	assert.Empty(t, f.executor.halts)

	entries, err := f.audit.List(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "halt.clear", entries[0].Event)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, "", nil)

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/orders/ord-1/cancel", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/orders/missing/cancel", "").Code)
	assert.Equal(t, []string{"ord-1"}, f.executor.cancelled)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/orders/ord-1/cancel", "").Code)
}

func TestLedgerRangeTotals(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/api/ledger?from=2026-03-02T00:00:00Z&to=2026-03-03T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Records []domain.PerformanceRecord `json:"records"`
		Totals  struct {
			Records     int             `json:"records"`
			RealizedPnL decimal.Decimal `json:"realized_pnl"`
			FeesPaid    decimal.Decimal `json:"fees_paid"`
		} `json:"totals"`
	}
	decode(t, rec, &body)
	assert.Len(t, body.Records, 2)
	assert.Equal(t, 2, body.Totals.Records)
	assert.True(t, body.Totals.RealizedPnL.Equal(decimal.RequireFromString("0.20")))
	assert.True(t, body.Totals.FeesPaid.Equal(decimal.RequireFromString("0.01")))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/ledger?from=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodGet, "/api/ledger?from=2026-03-03T00:00:00Z&to=2026-03-02T00:00:00Z", "").Code)
}

func TestLedgerStreamReplaysAfterID(t *testing.T) {
	f := newFixture(t, "", nil)
	ctx := context.Background()
	require.NoError(t, f.bus.StreamAppend(ctx, domain.ChannelLedger, []byte(`{"event":"ledger_settled","n":1}`)))
	require.NoError(t, f.bus.StreamAppend(ctx, domain.ChannelLedger, []byte(`{"event":"ledger_settled","n":2}`)))

	type entry struct {
		ID    string         `json:"id"`
		Event map[string]any `json:"event"`
	}
	var body struct {
		Entries []entry `json:"entries"`
		LastID  string  `json:"last_id"`
	}
	rec := f.do(t, http.MethodGet, "/api/ledger/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	require.Len(t, body.Entries, 2)
	assert.Equal(t, body.Entries[1].ID, body.LastID)
	assert.Equal(t, "ledger_settled", body.Entries[0].Event["event"])

	first := body.Entries[0].ID
	body.Entries = nil
	decode(t, f.do(t, http.MethodGet, "/api/ledger/stream?after="+first, ""), &body)
	require.Len(t, body.Entries, 1)
	assert.EqualValues(t, 2, body.Entries[0].Event["n"])

	body.Entries = nil
	decode(t, f.do(t, http.MethodGet, "/api/ledger/stream?after="+body.LastID, ""), &body)
	assert.Empty(t, body.Entries)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/ledger/stream?count=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/ledger/stream?after=bogus", "").Code)
}

func TestBankrollSnapshot(t *testing.T) {
	f := newFixture(t, "", nil)

	rec := f.do(t, http.MethodGet, "/api/bankroll", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "90", body["available"])
	assert.Equal(t, "4.5", body["unrealized"])
}

func TestHealthReportsFailingDependency(t *testing.T) {
	f := newFixture(t, "", map[string]handler.HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"redis":"connection refused"`))
	assert.True(t, strings.Contains(rec.Body.String(), `"postgres":"ok"`))
}
