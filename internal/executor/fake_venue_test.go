package executor

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

type fakeOrder struct {
	order  domain.Order
	polls  int
	filled decimal.Decimal
	status domain.VenueStatus
	reason string
}

// fakeVenue fills orders according to fill, which returns the cumulative
// quantity filled after the given number of polls. A nil fill fills every
// order completely on submit.
type fakeVenue struct {
	mu        sync.Mutex
	orders    map[string]*fakeOrder
	fill      func(o domain.Order, polls int) decimal.Decimal
	reject    func(o domain.Order) string
	cancelErr error
	cancels   []string
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{orders: make(map[string]*fakeOrder)}
}

func (f *fakeVenue) Name() string { return "fake" }

func (f *fakeVenue) Submit(_ context.Context, o domain.Order) (domain.VenueOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fo, ok := f.orders[o.ID]; ok {
		return fo.report(), nil
	}
	fo := &fakeOrder{order: o, status: domain.VenueStatusOpen}
	f.orders[o.ID] = fo
	if f.reject != nil {
		if reason := f.reject(o); reason != "" {
			fo.status = domain.VenueStatusRejected
			fo.reason = reason
			return fo.report(), nil
		}
	}
	f.step(fo)
	return fo.report(), nil
}

func (f *fakeVenue) step(fo *fakeOrder) {
	if fo.status != domain.VenueStatusOpen {
		return
	}
	qty := fo.order.Quantity
	target := qty
	if f.fill != nil {
		target = decimal.Min(f.fill(fo.order, fo.polls), qty)
	}
	fo.polls++
	if target.GreaterThan(fo.filled) {
		fo.filled = target
	}
	if fo.filled.Equal(qty) {
		fo.status = domain.VenueStatusFilled
	}
}

func (f *fakeVenue) Query(_ context.Context, o domain.Order) (domain.VenueOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fo, ok := f.orders[o.ID]
	if !ok {
		return domain.VenueOrder{}, domain.ErrNotFound
	}
	f.step(fo)
	return fo.report(), nil
}

func (f *fakeVenue) Cancel(_ context.Context, o domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, o.ID)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	fo, ok := f.orders[o.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if fo.status == domain.VenueStatusOpen {
		fo.status = domain.VenueStatusCancelled
	}
	return nil
}

func (f *fakeVenue) OpenOrders(_ context.Context) ([]domain.VenueOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.VenueOrder
	for _, fo := range f.orders {
		if fo.status == domain.VenueStatusOpen {
			out = append(out, fo.report())
		}
	}
	return out, nil
}

func (f *fakeVenue) status(clientID string) domain.VenueStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fo, ok := f.orders[clientID]; ok {
		return fo.status
	}
	return ""
}

func (fo *fakeOrder) report() domain.VenueOrder {
	return domain.VenueOrder{
		VenueOrderID:  "v-" + fo.order.ID,
		ClientOrderID: fo.order.ID,
		OutcomeID:     fo.order.OutcomeID,
		Status:        fo.status,
		FilledQty:     fo.filled,
		AvgPrice:      fo.order.LimitPrice,
		Reason:        fo.reason,
	}
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Alert(_ context.Context, event, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAlerter) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}
