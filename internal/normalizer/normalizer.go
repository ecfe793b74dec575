// Package normalizer turns raw venue quotes into fee-adjusted MarketQuotes.
package normalizer

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
	bps  = decimal.NewFromInt(10_000)
)

// FeeSchedule maps venue name to taker fee in basis points.
type FeeSchedule struct {
	DefaultBps decimal.Decimal
	VenueBps   map[string]decimal.Decimal
}

// NewFeeSchedule builds a schedule from float config values.
func NewFeeSchedule(defaultBps float64, venueBps map[string]float64) FeeSchedule {
	fs := FeeSchedule{
		DefaultBps: decimal.NewFromFloat(defaultBps),
		VenueBps:   make(map[string]decimal.Decimal, len(venueBps)),
	}
	for venue, v := range venueBps {
		fs.VenueBps[venue] = decimal.NewFromFloat(v)
	}
	return fs
}

// Rate returns the fee as a fraction of notional for venue.
func (f FeeSchedule) Rate(venue string) decimal.Decimal {
	b, ok := f.VenueBps[venue]
	if !ok {
		b = f.DefaultBps
	}
	return b.Div(bps)
}

// Normalizer validates and fee-adjusts raw quotes.
type Normalizer struct {
	fees   FeeSchedule
	maxAge time.Duration
	now    func() time.Time
}

// New creates a Normalizer. now may be nil to use time.Now.
func New(fees FeeSchedule, maxAge time.Duration, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{fees: fees, maxAge: maxAge, now: now}
}

// Normalize returns the effective post-fee quote. Quotes with prices outside
// [0,1] or a crossed book fail with *domain.InvalidPriceError; quotes older
// than the configured bound fail with *domain.StaleQuoteError.
func (n *Normalizer) Normalize(raw domain.RawQuote) (domain.MarketQuote, error) {
	if err := validatePrices(raw); err != nil {
		return domain.MarketQuote{}, err
	}

	if age := n.now().Sub(raw.Timestamp); age > n.maxAge {
		return domain.MarketQuote{}, &domain.StaleQuoteError{
			MarketID:  raw.MarketID,
			OutcomeID: raw.OutcomeID,
			Age:       age,
			MaxAge:    n.maxAge,
		}
	}

	fee := n.fees.Rate(raw.Venue)
	return domain.MarketQuote{
		Venue:       raw.Venue,
		MarketID:    raw.MarketID,
		OutcomeID:   raw.OutcomeID,
		BestBid:     clamp(raw.BestBid.Mul(one.Sub(fee))),
		BestAsk:     clamp(raw.BestAsk.Mul(one.Add(fee))),
		RawBid:      raw.BestBid,
		RawAsk:      raw.BestAsk,
		BidSize:     raw.BidSize,
		AskSize:     raw.AskSize,
		Timestamp:   raw.Timestamp,
		WindowClose: raw.WindowClose,
	}, nil
}

func validatePrices(raw domain.RawQuote) error {
	invalid := func(reason string) error {
		return &domain.InvalidPriceError{
			MarketID:  raw.MarketID,
			OutcomeID: raw.OutcomeID,
			Bid:       raw.BestBid,
			Ask:       raw.BestAsk,
			Reason:    reason,
		}
	}
	switch {
	case raw.BestBid.LessThan(zero) || raw.BestBid.GreaterThan(one):
		return invalid("bid outside [0,1]")
	case raw.BestAsk.LessThan(zero) || raw.BestAsk.GreaterThan(one):
		return invalid("ask outside [0,1]")
	case present(raw.BestBid, raw.BidSize) && present(raw.BestAsk, raw.AskSize) &&
		raw.BestBid.GreaterThan(raw.BestAsk):
		return invalid("bid above ask")
	case raw.BidSize.IsNegative() || raw.AskSize.IsNegative():
		return invalid("negative size")
	case !raw.WindowClose.IsZero() && raw.Timestamp.After(raw.WindowClose):
		return invalid("quote timestamp after window close")
	}
	return nil
}

// present reports whether a book side has a level. Empty sides arrive as a
// zero price or zero size.
func present(price, size decimal.Decimal) bool {
	return price.IsPositive() && size.IsPositive()
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.LessThan(zero) {
		return zero
	}
	if d.GreaterThan(one) {
		return one
	}
	return d
}
