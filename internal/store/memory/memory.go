// Package memory implements the domain store interfaces in process memory.
// It backs dry runs without a database and doubles as a test fixture.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]domain.Order)}
}

func (s *OrderStore) Upsert(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return nil
}

func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *OrderStore) ListNonTerminal(_ context.Context) ([]domain.Order, error) {
	return s.filter(func(o domain.Order) bool { return !o.State.Terminal() }), nil
}

func (s *OrderStore) ListByOpportunity(_ context.Context, opportunityID string) ([]domain.Order, error) {
	return s.filter(func(o domain.Order) bool { return o.OpportunityID == opportunityID }), nil
}

func (s *OrderStore) filter(keep func(domain.Order) bool) []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LegIndex < out[j].LegIndex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

func (s *PositionStore) Upsert(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos.Orders = append([]domain.Order(nil), pos.Orders...)
	s.positions[pos.OpportunityID] = pos
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, opportunityID string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[opportunityID]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *PositionStore) ListUnresolved(_ context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status.Unresolved() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// BankrollStore implements domain.BankrollStore.
type BankrollStore struct {
	mu    sync.Mutex
	state *domain.BankrollState
}

// NewBankrollStore creates a BankrollStore with nothing saved.
func NewBankrollStore() *BankrollStore {
	return &BankrollStore{}
}

func (s *BankrollStore) Load(_ context.Context) (domain.BankrollState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return domain.BankrollState{}, domain.ErrNotFound
	}
	return cloneBankroll(*s.state), nil
}

func (s *BankrollStore) Save(_ context.Context, state domain.BankrollState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneBankroll(state)
	s.state = &c
	return nil
}

func cloneBankroll(st domain.BankrollState) domain.BankrollState {
	out := st
	out.Reservations = cloneMap(st.Reservations)
	out.Settled = cloneMap(st.Settled)
	out.Deployed = cloneMap(st.Deployed)
	out.Resolved = cloneMap(st.Resolved)
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LedgerStore implements domain.LedgerStore.
type LedgerStore struct {
	mu      sync.RWMutex
	records []domain.PerformanceRecord
	seen    map[string]bool
}

// NewLedgerStore creates an empty LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{seen: make(map[string]bool)}
}

func (s *LedgerStore) Append(_ context.Context, rec domain.PerformanceRecord) error {
	key := rec.WindowClose.UTC().Format(time.RFC3339) + "/" + rec.OpportunityID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[key] {
		return domain.ErrAlreadyExists
	}
	s.seen[key] = true
	s.records = append(s.records, rec)
	return nil
}

// Range returns records whose window closed in [from, to).
func (s *LedgerStore) Range(_ context.Context, from, to time.Time) ([]domain.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PerformanceRecord
	for _, r := range s.records {
		if !r.WindowClose.Before(from) && r.WindowClose.Before(to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WindowClose.Before(out[j].WindowClose) })
	return out, nil
}

// OpportunityStore implements domain.OpportunityStore.
type OpportunityStore struct {
	mu       sync.RWMutex
	opps     []domain.ArbitrageOpportunity
	executed map[string]bool
}

// NewOpportunityStore creates an empty OpportunityStore.
func NewOpportunityStore() *OpportunityStore {
	return &OpportunityStore{executed: make(map[string]bool)}
}

func (s *OpportunityStore) Insert(_ context.Context, opp domain.ArbitrageOpportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps = append(s.opps, opp)
	return nil
}

func (s *OpportunityStore) MarkExecuted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.opps {
		if o.ID == id {
			s.executed[id] = true
			return nil
		}
	}
	return domain.ErrNotFound
}

// ListRecent returns up to limit opportunities, newest first.
func (s *OpportunityStore) ListRecent(_ context.Context, limit int) ([]domain.ArbitrageOpportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ArbitrageOpportunity, 0, len(s.opps))
	for i := len(s.opps) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.opps[i])
	}
	return out, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAuditStore creates an empty AuditStore. now may be nil to use time.Now.
func NewAuditStore(now func() time.Time) *AuditStore {
	if now == nil {
		now = time.Now
	}
	return &AuditStore{now: now}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    cloneMap(detail),
		CreatedAt: s.now(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, since time.Time, limit int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if e := s.entries[i]; !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}
