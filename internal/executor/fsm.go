package executor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// transitions lists the legal next states of each order state.
var transitions = map[domain.OrderState][]domain.OrderState{
	domain.OrderStatePending: {
		domain.OrderStateOpen,
		domain.OrderStateRejected,
	},
	domain.OrderStateOpen: {
		domain.OrderStatePartiallyFilled,
		domain.OrderStateFilled,
		domain.OrderStateCancelled,
	},
	domain.OrderStatePartiallyFilled: {
		domain.OrderStatePartiallyFilled,
		domain.OrderStateFilled,
		domain.OrderStateCancelled,
	},
}

// CanTransition reports whether from -> to is a legal order transition.
func CanTransition(from, to domain.OrderState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(o domain.Order, to domain.OrderState, now time.Time) (domain.Order, error) {
	if !CanTransition(o.State, to) {
		return o, fmt.Errorf("executor: order %s %s -> %s: %w", o.ID, o.State, to, domain.ErrInvalidTransition)
	}
	o.State = to
	o.UpdatedAt = now
	return o, nil
}

// recordFill copies cumulative fill data from a venue report. Fills never
// decrease and never exceed the requested quantity.
func recordFill(o domain.Order, v domain.VenueOrder) domain.Order {
	if v.FilledQty.GreaterThan(o.FilledQty) {
		o.FilledQty = decimal.Min(v.FilledQty, o.Quantity)
		if v.AvgPrice.IsPositive() {
			o.AvgFillPrice = v.AvgPrice
		} else if o.AvgFillPrice.IsZero() {
			o.AvgFillPrice = o.LimitPrice
		}
	}
	if v.Fees.GreaterThan(o.Fees) {
		o.Fees = v.Fees
	}
	if v.VenueOrderID != "" && o.VenueOrderID == "" {
		o.VenueOrderID = v.VenueOrderID
	}
	return o
}

// advance folds a venue report into the order, stepping through every
// intermediate state so each hop is validated against the transition table.
// A report on a terminal order returns ErrInvalidTransition.
func advance(o domain.Order, v domain.VenueOrder, now time.Time) (domain.Order, error) {
	if o.State.Terminal() {
		return o, fmt.Errorf("executor: order %s already %s: %w", o.ID, o.State, domain.ErrInvalidTransition)
	}

	var err error
	if v.Status == domain.VenueStatusRejected && o.State == domain.OrderStatePending {
		o.Reason = v.Reason
		return transition(o, domain.OrderStateRejected, now)
	}
	if o.State == domain.OrderStatePending {
		if o, err = transition(o, domain.OrderStateOpen, now); err != nil {
			return o, err
		}
	}

	before := o.FilledQty
	o = recordFill(o, v)
	if v.Status == domain.VenueStatusFilled && v.FilledQty.IsZero() {
		o.FilledQty = o.Quantity
		if o.AvgFillPrice.IsZero() {
			o.AvgFillPrice = o.LimitPrice
		}
	}

	switch {
	case o.FilledQty.GreaterThanOrEqual(o.Quantity):
		return transition(o, domain.OrderStateFilled, now)
	case v.Status == domain.VenueStatusCancelled,
		v.Status == domain.VenueStatusRejected,
		v.Status == domain.VenueStatusFilled:
		// Closed by the venue short of the requested quantity.
		if o.Reason == "" {
			o.Reason = v.Reason
		}
		return transition(o, domain.OrderStateCancelled, now)
	case o.FilledQty.GreaterThan(before):
		return transition(o, domain.OrderStatePartiallyFilled, now)
	}
	return o, nil
}

// cancelled closes a non-terminal order locally after a cancel attempt,
// keeping whatever fill the final venue report carries.
func cancelled(o domain.Order, last domain.VenueOrder, reason string, now time.Time) (domain.Order, error) {
	if o.State.Terminal() {
		return o, nil
	}
	if o.State == domain.OrderStatePending {
		o.Reason = reason
		return transition(o, domain.OrderStateRejected, now)
	}
	o = recordFill(o, last)
	if o.FilledQty.GreaterThanOrEqual(o.Quantity) {
		return transition(o, domain.OrderStateFilled, now)
	}
	o.Reason = reason
	return transition(o, domain.OrderStateCancelled, now)
}
