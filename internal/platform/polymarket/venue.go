package polymarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/crypto"
	"github.com/alanyoungcy/windowarb/internal/domain"
)

// VenueName is the venue label used for fee lookup and quotes.
const VenueName = "polymarket"

// VenueOptions tune the order adapter.
type VenueOptions struct {
	// FeeRate is the taker fee as a fraction of filled notional.
	FeeRate decimal.Decimal
	// Limiter, when set, is waited on before every CLOB call under LimiterKey.
	Limiter    domain.RateLimiter
	LimiterKey string
}

// Venue adapts the CLOB client to domain.Venue. The CLOB does not echo
// client order ids, so the adapter keeps the mapping itself.
type Venue struct {
	clob    *ClobClient
	builder *crypto.OrderBuilder
	opts    VenueOptions
	logger  *slog.Logger

	mu       sync.Mutex
	byClient map[string]string
	byVenue  map[string]string
}

// NewVenue creates the order adapter.
func NewVenue(clob *ClobClient, builder *crypto.OrderBuilder, opts VenueOptions, logger *slog.Logger) *Venue {
	if opts.LimiterKey == "" {
		opts.LimiterKey = "polymarket:clob"
	}
	return &Venue{
		clob:     clob,
		builder:  builder,
		opts:     opts,
		logger:   logger.With(slog.String("component", "polymarket_venue")),
		byClient: make(map[string]string),
		byVenue:  make(map[string]string),
	}
}

func (v *Venue) Name() string { return VenueName }

// Submit signs and posts order as a GTC limit order. Resubmitting a client
// id the adapter already placed returns the existing order.
func (v *Venue) Submit(ctx context.Context, order domain.Order) (domain.VenueOrder, error) {
	if _, ok := v.venueID(order); ok {
		return v.Query(ctx, order)
	}

	payload, sig, err := v.builder.Build(crypto.OrderArgs{
		ClientOrderID: order.ID,
		TokenID:       order.OutcomeID,
		Buy:           order.Side == domain.OrderSideBuy,
		Price:         order.LimitPrice,
		Size:          order.Quantity,
		FeeRateBps:    int(v.opts.FeeRate.Shift(4).IntPart()),
	})
	if err != nil {
		return domain.VenueOrder{
			ClientOrderID: order.ID,
			OutcomeID:     order.OutcomeID,
			Status:        domain.VenueStatusRejected,
			Reason:        err.Error(),
		}, nil
	}

	if err := v.wait(ctx); err != nil {
		return domain.VenueOrder{}, err
	}
	res, err := v.clob.PostOrder(ctx, payload, sig)
	if err != nil {
		var rej *domain.VenueRejectionError
		if errors.As(err, &rej) {
			return domain.VenueOrder{
				ClientOrderID: order.ID,
				OutcomeID:     order.OutcomeID,
				Status:        domain.VenueStatusRejected,
				Reason:        rej.Reason,
			}, nil
		}
		return domain.VenueOrder{}, err
	}
	v.remember(order.ID, res.OrderID)

	report := domain.VenueOrder{
		VenueOrderID:  res.OrderID,
		ClientOrderID: order.ID,
		OutcomeID:     order.OutcomeID,
		Status:        domain.VenueStatusOpen,
	}
	if strings.EqualFold(res.Status, "matched") {
		report.Status = domain.VenueStatusFilled
		report.FilledQty = order.Quantity
		report.AvgPrice = order.LimitPrice
		report.Fees = order.Quantity.Mul(order.LimitPrice).Mul(v.opts.FeeRate)
	}
	v.logger.DebugContext(ctx, "order posted",
		slog.String("client_order_id", order.ID),
		slog.String("venue_order_id", res.OrderID),
		slog.String("status", res.Status),
	)
	return report, nil
}

// Cancel cancels the venue order behind order. An order the venue never
// accepted has nothing to cancel.
func (v *Venue) Cancel(ctx context.Context, order domain.Order) error {
	id, ok := v.venueID(order)
	if !ok {
		return nil
	}
	if err := v.wait(ctx); err != nil {
		return err
	}
	return v.clob.CancelOrder(ctx, id)
}

// Query returns the venue's current view of order.
func (v *Venue) Query(ctx context.Context, order domain.Order) (domain.VenueOrder, error) {
	id, ok := v.venueID(order)
	if !ok {
		return domain.VenueOrder{}, fmt.Errorf("polymarket: query %s: %w", order.ID, domain.ErrNotFound)
	}
	if err := v.wait(ctx); err != nil {
		return domain.VenueOrder{}, err
	}
	o, err := v.clob.GetOrder(ctx, id)
	if err != nil {
		return domain.VenueOrder{}, err
	}
	v.remember(order.ID, o.ID)
	return o.toVenueOrder(order.ID, v.opts.FeeRate), nil
}

// OpenOrders lists resting orders. Orders placed by an earlier process
// carry an empty client id.
func (v *Venue) OpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	if err := v.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := v.clob.GetOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.VenueOrder, 0, len(orders))
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range orders {
		out = append(out, orders[i].toVenueOrder(v.byVenue[orders[i].ID], v.opts.FeeRate))
	}
	return out, nil
}

func (v *Venue) venueID(order domain.Order) (string, bool) {
	if order.VenueOrderID != "" {
		return order.VenueOrderID, true
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byClient[order.ID]
	return id, ok
}

func (v *Venue) remember(clientID, venueID string) {
	if clientID == "" || venueID == "" {
		return
	}
	v.mu.Lock()
	v.byClient[clientID] = venueID
	v.byVenue[venueID] = clientID
	v.mu.Unlock()
}

func (v *Venue) wait(ctx context.Context) error {
	if v.opts.Limiter == nil {
		return nil
	}
	if err := v.opts.Limiter.Wait(ctx, v.opts.LimiterKey); err != nil {
		return fmt.Errorf("polymarket: rate limit wait: %w", err)
	}
	return nil
}
