package domain

import (
	"context"
	"time"
)

// Venue is the narrow order capability every trading venue implements.
// Submit and Cancel must be idempotent for a given client order id.
type Venue interface {
	Name() string
	Submit(ctx context.Context, order Order) (VenueOrder, error)
	Cancel(ctx context.Context, order Order) error
	Query(ctx context.Context, order Order) (VenueOrder, error)
	OpenOrders(ctx context.Context) ([]VenueOrder, error)
}

// QuoteSource supplies current top of book for an outcome.
type QuoteSource interface {
	FetchQuote(ctx context.Context, outcome Outcome, windowClose time.Time) (RawQuote, error)
}

// MarketDiscovery resolves the window market of an asset for a window start.
type MarketDiscovery interface {
	Discover(ctx context.Context, asset Asset, windowStart time.Time) (WindowMarket, error)
}

// MarketResolver reports whether a market has settled and which tokens won.
type MarketResolver interface {
	Resolution(ctx context.Context, conditionID string) (Resolution, error)
}

// Alerter delivers operator-visible alerts.
type Alerter interface {
	Alert(ctx context.Context, event, message string)
}
