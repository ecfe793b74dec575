// Package paper is a simulated venue for dry runs. Orders never leave the
// process; fills are drawn from a seeded generator so runs are repeatable.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// VenueName labels paper quotes and fees.
const VenueName = "paper"

// sizePrecision is the number of decimals fills are rounded up to.
const sizePrecision = 2

// Config controls simulated fills.
type Config struct {
	// FillRatio is the fraction of the remaining quantity filled per query.
	FillRatio float64
	// FillLatency is how long an order rests before its first fill.
	FillLatency time.Duration
	// RejectRate is the fraction of submissions rejected outright.
	RejectRate float64
	Seed       int64
	// FeeRate is charged on filled notional.
	FeeRate decimal.Decimal
}

type paperOrder struct {
	venueID string
	order   domain.Order
	placed  time.Time
	filled  decimal.Decimal
	status  domain.VenueStatus
	reason  string
}

func (p *paperOrder) report(feeRate decimal.Decimal) domain.VenueOrder {
	return domain.VenueOrder{
		VenueOrderID:  p.venueID,
		ClientOrderID: p.order.ID,
		OutcomeID:     p.order.OutcomeID,
		Status:        p.status,
		FilledQty:     p.filled,
		AvgPrice:      p.order.LimitPrice,
		Fees:          p.filled.Mul(p.order.LimitPrice).Mul(feeRate),
		Reason:        p.reason,
	}
}

// Venue implements domain.Venue without touching an exchange.
type Venue struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	orders map[string]*paperOrder
}

// New creates a paper venue. now may be nil to use time.Now.
func New(cfg Config, logger *slog.Logger, now func() time.Time) *Venue {
	if now == nil {
		now = time.Now
	}
	if cfg.FillRatio <= 0 || cfg.FillRatio > 1 {
		cfg.FillRatio = 1
	}
	seed := uint64(cfg.Seed)
	return &Venue{
		cfg:    cfg,
		now:    now,
		logger: logger.With(slog.String("component", "paper_venue")),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		orders: make(map[string]*paperOrder),
	}
}

func (v *Venue) Name() string { return VenueName }

// Submit accepts order unless its price is outside (0,1) or the reject draw
// hits. Resubmitting a known client id returns the existing order.
func (v *Venue) Submit(ctx context.Context, order domain.Order) (domain.VenueOrder, error) {
	if err := ctx.Err(); err != nil {
		return domain.VenueOrder{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if p, ok := v.orders[order.ID]; ok {
		return p.report(v.cfg.FeeRate), nil
	}

	p := &paperOrder{
		venueID: "paper-" + uuid.NewString(),
		order:   order,
		placed:  v.now(),
		status:  domain.VenueStatusOpen,
	}
	one := decimal.NewFromInt(1)
	switch {
	case !order.LimitPrice.IsPositive() || order.LimitPrice.GreaterThanOrEqual(one):
		p.status = domain.VenueStatusRejected
		p.reason = fmt.Sprintf("price %s outside (0,1)", order.LimitPrice)
	case !order.Quantity.IsPositive():
		p.status = domain.VenueStatusRejected
		p.reason = fmt.Sprintf("quantity %s not positive", order.Quantity)
	case v.cfg.RejectRate > 0 && v.rng.Float64() < v.cfg.RejectRate:
		p.status = domain.VenueStatusRejected
		p.reason = "simulated rejection"
	}
	v.orders[order.ID] = p

	v.logger.DebugContext(ctx, "paper order",
		slog.String("client_order_id", order.ID),
		slog.String("side", string(order.Side)),
		slog.String("qty", order.Quantity.String()),
		slog.String("price", order.LimitPrice.String()),
		slog.String("status", string(p.status)),
	)
	return p.report(v.cfg.FeeRate), nil
}

// Cancel stops further fills. Fills already reported stay.
func (v *Venue) Cancel(ctx context.Context, order domain.Order) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.orders[order.ID]
	if !ok {
		return nil
	}
	if p.status == domain.VenueStatusOpen {
		p.status = domain.VenueStatusCancelled
	}
	return nil
}

// Query advances the simulated fill and reports the order.
func (v *Venue) Query(ctx context.Context, order domain.Order) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.orders[order.ID]
	if !ok {
		return domain.VenueOrder{}, fmt.Errorf("paper: query %s: %w", order.ID, domain.ErrNotFound)
	}
	v.step(p)
	return p.report(v.cfg.FeeRate), nil
}

// OpenOrders lists orders still resting.
func (v *Venue) OpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []domain.VenueOrder
	for _, p := range v.orders {
		if p.status == domain.VenueStatusOpen {
			out = append(out, p.report(v.cfg.FeeRate))
		}
	}
	return out, nil
}

// step fills FillRatio of the remaining quantity, rounded up to the size
// precision, once the order has rested FillLatency. Caller holds v.mu.
func (v *Venue) step(p *paperOrder) {
	if p.status != domain.VenueStatusOpen {
		return
	}
	if v.now().Sub(p.placed) < v.cfg.FillLatency {
		return
	}
	remaining := p.order.Quantity.Sub(p.filled)
	fill := remaining.Mul(decimal.NewFromFloat(v.cfg.FillRatio)).RoundUp(sizePrecision)
	if fill.GreaterThan(remaining) {
		fill = remaining
	}
	p.filled = p.filled.Add(fill)
	if p.filled.Equal(p.order.Quantity) {
		p.status = domain.VenueStatusFilled
	}
}
