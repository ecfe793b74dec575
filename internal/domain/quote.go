package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawQuote is top of book as reported by a venue, before normalization.
type RawQuote struct {
	Venue       string
	MarketID    string
	OutcomeID   string
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	BidSize     decimal.Decimal
	AskSize     decimal.Decimal
	Timestamp   time.Time
	WindowClose time.Time
}

// MarketQuote is a normalized quote. Bid and ask are fee-adjusted effective
// prices in [0,1]; RawBid and RawAsk keep the venue prices used as limits.
type MarketQuote struct {
	Venue       string          `json:"venue"`
	MarketID    string          `json:"market_id"`
	OutcomeID   string          `json:"outcome_id"`
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	RawBid      decimal.Decimal `json:"raw_bid"`
	RawAsk      decimal.Decimal `json:"raw_ask"`
	BidSize     decimal.Decimal `json:"bid_size"`
	AskSize     decimal.Decimal `json:"ask_size"`
	Timestamp   time.Time       `json:"timestamp"`
	WindowClose time.Time       `json:"window_close"`
}
