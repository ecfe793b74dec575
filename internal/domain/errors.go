package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrSigningFailed     = errors.New("signing failed")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrLockHeld          = errors.New("lock already held")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrAlreadySettled    = errors.New("exposure already settled")
	ErrInsufficientFunds = errors.New("insufficient bankroll")
	ErrSetHalted         = errors.New("market set halted")
	ErrEngineStopped     = errors.New("engine stopped")
	ErrWindowExpired     = errors.New("settlement window expired")

	ErrTransientIO           = errors.New("transient i/o failure")
	ErrStaleQuote            = errors.New("stale quote")
	ErrInvalidPrice          = errors.New("invalid price")
	ErrVenueRejection        = errors.New("venue rejected order")
	ErrExposureInconsistency = errors.New("exposure inconsistency")
)

// TransientIOError wraps a network or timeout failure that may succeed on retry.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient i/o: %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() []error { return []error{ErrTransientIO, e.Err} }

// Transient marks err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// StaleQuoteError is returned when a quote is older than the configured bound.
type StaleQuoteError struct {
	MarketID  string
	OutcomeID string
	Age       time.Duration
	MaxAge    time.Duration
}

func (e *StaleQuoteError) Error() string {
	return fmt.Sprintf("stale quote %s/%s: age %s exceeds %s", e.MarketID, e.OutcomeID, e.Age, e.MaxAge)
}

func (e *StaleQuoteError) Unwrap() error { return ErrStaleQuote }

// InvalidPriceError is returned for quotes outside [0,1] or with a crossed book.
type InvalidPriceError struct {
	MarketID  string
	OutcomeID string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Reason    string
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("invalid price %s/%s: bid=%s ask=%s: %s",
		e.MarketID, e.OutcomeID, e.Bid.String(), e.Ask.String(), e.Reason)
}

func (e *InvalidPriceError) Unwrap() error { return ErrInvalidPrice }

// VenueRejectionError is returned when the venue refuses an order or cancel.
type VenueRejectionError struct {
	OrderID string
	Reason  string
}

func (e *VenueRejectionError) Error() string {
	return fmt.Sprintf("venue rejected order %s: %s", e.OrderID, e.Reason)
}

func (e *VenueRejectionError) Unwrap() error { return ErrVenueRejection }

// ExposureInconsistencyError reports one-sided exposure that could not be hedged.
type ExposureInconsistencyError struct {
	LinkedSetID   string
	OpportunityID string
	Unhedged      map[string]decimal.Decimal // outcome id -> quantity still held
	Err           error
}

func (e *ExposureInconsistencyError) Error() string {
	return fmt.Sprintf("exposure inconsistency on set %s opportunity %s (%d legs unhedged): %v",
		e.LinkedSetID, e.OpportunityID, len(e.Unhedged), e.Err)
}

func (e *ExposureInconsistencyError) Unwrap() []error {
	return []error{ErrExposureInconsistency, e.Err}
}
