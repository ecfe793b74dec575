package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Asset is the underlying a window market settles on.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
)

// Direction is the outcome of an up/down window market.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// WindowMarket is one asset's up/down market for a single settlement window.
type WindowMarket struct {
	Asset       Asset
	Slug        string
	ConditionID string
	UpTokenID   string
	DownTokenID string
	WindowStart time.Time
	WindowClose time.Time
	TickSize    decimal.Decimal
	MinSize     decimal.Decimal
	Closed      bool
}

// Outcome returns the tradable outcome for the given direction.
func (m WindowMarket) Outcome(dir Direction) Outcome {
	token := m.UpTokenID
	if dir == DirectionDown {
		token = m.DownTokenID
	}
	return Outcome{
		ID:        token,
		MarketID:  m.ConditionID,
		Asset:     m.Asset,
		Direction: dir,
		TickSize:  m.TickSize,
		MinSize:   m.MinSize,
	}
}

// Outcome is a single tradable token within a window market.
type Outcome struct {
	ID        string // venue token id
	MarketID  string // condition id
	Asset     Asset
	Direction Direction
	TickSize  decimal.Decimal
	MinSize   decimal.Decimal
}

// Label renders the outcome as e.g. "BTC_UP".
func (o Outcome) Label() string {
	return string(o.Asset) + "_" + string(o.Direction)
}

// SetKind distinguishes risk-free complementary sets, which hold the mutually
// exclusive and exhaustive outcomes of one event, from correlated pairs across
// two related events, whose payout is not guaranteed.
type SetKind string

const (
	SetKindComplementary SetKind = "complementary"
	SetKindCorrelated    SetKind = "correlated"
)

// LinkedMarketSet groups outcomes that share one settlement window.
type LinkedMarketSet struct {
	ID          string
	Kind        SetKind
	WindowStart time.Time
	WindowClose time.Time
	Outcomes    []Outcome
}

// NewLinkedMarketSet builds a set and derives its id from the window and labels.
func NewLinkedMarketSet(kind SetKind, start, closeAt time.Time, outcomes ...Outcome) LinkedMarketSet {
	labels := make([]string, len(outcomes))
	for i, o := range outcomes {
		labels[i] = o.Label()
	}
	return LinkedMarketSet{
		ID:          fmt.Sprintf("%d:%s:%s", start.Unix(), kind, strings.Join(labels, "+")),
		Kind:        kind,
		WindowStart: start,
		WindowClose: closeAt,
		Outcomes:    outcomes,
	}
}

// SetKey returns the part of a linked set id that is the same in every
// window, e.g. "complementary:BTC_UP+BTC_DOWN". Ids that do not start with a
// window timestamp are returned unchanged.
func SetKey(linkedSetID string) string {
	start, rest, ok := strings.Cut(linkedSetID, ":")
	if !ok || start == "" || strings.Trim(start, "0123456789") != "" {
		return linkedSetID
	}
	return rest
}

// Resolution is the settled state of a window market.
type Resolution struct {
	ConditionID string
	Closed      bool
	Winners     map[string]bool // token id -> won
}

// Won reports whether the given token paid out.
func (r Resolution) Won(tokenID string) bool {
	return r.Winners[tokenID]
}
