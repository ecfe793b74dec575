package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/crypto"
	"github.com/alanyoungcy/windowarb/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// stringList accepts both a JSON array and the JSON-encoded array string
// Gamma uses for clobTokenIds, outcomes and outcomePrices.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*l = nil
		return nil
	}
	if err := json.Unmarshal([]byte(s), &arr); err != nil {
		return err
	}
	*l = arr
	return nil
}

// flexDecimal reads a number sent either as JSON number or string.
type flexDecimal struct{ decimal.Decimal }

func (f *flexDecimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		f.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	f.Decimal = d
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder is an order as returned by GET /data/order and /data/orders.
type APIOrder struct {
	ID           string      `json:"id"`
	Status       string      `json:"status"` // LIVE, MATCHED, CANCELED, ...
	Market       string      `json:"market"`
	AssetID      string      `json:"asset_id"`
	Side         string      `json:"side"` // BUY or SELL
	OriginalSize flexDecimal `json:"original_size"`
	SizeMatched  flexDecimal `json:"size_matched"`
	Price        flexDecimal `json:"price"`
	Owner        string      `json:"owner"`
	OrderType    string      `json:"order_type"`
	CreatedAt    json.Number `json:"created_at"`
}

// APIOrderResult is the response of POST /order.
type APIOrderResult struct {
	Success      bool        `json:"success"`
	ErrorMsg     string      `json:"errorMsg,omitempty"`
	OrderID      string      `json:"orderID,omitempty"`
	Status       string      `json:"status,omitempty"` // live, matched, delayed, unmatched
	MakingAmount flexDecimal `json:"makingAmount"`
	TakingAmount flexDecimal `json:"takingAmount"`
}

// APICancelResult is the response of DELETE /order and /orders.
type APICancelResult struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// apiPostOrder is the body of POST /order.
type apiPostOrder struct {
	Order     apiSignedOrder `json:"order"`
	Owner     string         `json:"owner"`
	OrderType string         `json:"orderType"`
}

type apiSignedOrder struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

func newSignedOrder(p crypto.OrderPayload, sig string) apiSignedOrder {
	side := "BUY"
	if p.Side == 1 {
		side = "SELL"
	}
	return apiSignedOrder{
		Salt:          json.Number(p.Salt),
		Maker:         p.Maker,
		Signer:        p.Signer,
		Taker:         p.Taker,
		TokenID:       p.TokenID,
		MakerAmount:   p.MakerAmount,
		TakerAmount:   p.TakerAmount,
		Expiration:    p.Expiration,
		Nonce:         p.Nonce,
		FeeRateBps:    p.FeeRateBps,
		Side:          side,
		SignatureType: p.SignatureType,
		Signature:     sig,
	}
}

// APIBook is the response of GET /book.
type APIBook struct {
	Market       string         `json:"market"`
	AssetID      string         `json:"asset_id"`
	Timestamp    string         `json:"timestamp"`
	Bids         []WSPriceLevel `json:"bids"`
	Asks         []WSPriceLevel `json:"asks"`
	MinOrderSize flexDecimal    `json:"min_order_size"`
	TickSize     flexDecimal    `json:"tick_size"`
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket is a market as returned by the Gamma API.
type APIMarket struct {
	ID            string      `json:"id"`
	Question      string      `json:"question"`
	Slug          string      `json:"slug"`
	ConditionID   string      `json:"conditionId"`
	ClobTokenIDs  stringList  `json:"clobTokenIds"`
	Outcomes      stringList  `json:"outcomes"`
	OutcomePrices stringList  `json:"outcomePrices"`
	Active        flexBool    `json:"active"`
	Closed        flexBool    `json:"closed"`
	StartDate     string      `json:"eventStartTime"`
	EndDate       string      `json:"endDate"`
	TickSize      flexDecimal `json:"orderPriceMinTickSize"`
	MinSize       flexDecimal `json:"orderMinSize"`
	UMAStatus     string      `json:"umaResolutionStatus"`
}

// tokenFor returns the token id of the outcome labelled name (case-insensitive).
func (m *APIMarket) tokenFor(names ...string) string {
	for i, o := range m.Outcomes {
		for _, n := range names {
			if strings.EqualFold(o, n) && i < len(m.ClobTokenIDs) {
				return m.ClobTokenIDs[i]
			}
		}
	}
	return ""
}

// toWindowMarket converts a Gamma up/down market to its domain form.
func (m *APIMarket) toWindowMarket(asset domain.Asset, start time.Time, dur time.Duration) domain.WindowMarket {
	wm := domain.WindowMarket{
		Asset:       asset,
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		UpTokenID:   m.tokenFor("Up", "Yes"),
		DownTokenID: m.tokenFor("Down", "No"),
		WindowStart: start,
		WindowClose: start.Add(dur),
		TickSize:    m.TickSize.Decimal,
		MinSize:     m.MinSize.Decimal,
		Closed:      bool(m.Closed),
	}
	if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
		wm.WindowClose = t
	}
	return wm
}

// resolution reports the settled state of the market. A closed market with
// one outcome priced at 1 names its winner; anything else is unresolved.
func (m *APIMarket) resolution() domain.Resolution {
	res := domain.Resolution{ConditionID: m.ConditionID, Winners: make(map[string]bool)}
	if !bool(m.Closed) {
		return res
	}
	one := decimal.NewFromInt(1)
	for i, p := range m.OutcomePrices {
		if i >= len(m.ClobTokenIDs) {
			break
		}
		price, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		if price.Equal(one) {
			res.Winners[m.ClobTokenIDs[i]] = true
		}
	}
	res.Closed = len(res.Winners) > 0
	return res
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// BookMessage is a full book snapshot on the market channel.
type BookMessage struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
}

// WSPriceLevel is a single bid or ask level.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeMessage carries level changes plus the resulting top of book
// for one or more assets of a market.
type PriceChangeMessage struct {
	EventType    string            `json:"event_type"`
	Market       string            `json:"market"`
	Timestamp    string            `json:"timestamp"`
	PriceChanges []PriceChangeItem `json:"price_changes"`
}

// PriceChangeItem is one asset's change within a PriceChangeMessage.
type PriceChangeItem struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSCommand is the subscription message of the market channel.
type WSCommand struct {
	Type      string   `json:"type,omitempty"`
	Operation string   `json:"operation,omitempty"`
	AssetIDs  []string `json:"assets_ids"`
}

// TopOfBook is the best bid and ask of one asset.
type TopOfBook struct {
	MarketID  string
	AssetID   string
	BestBid   decimal.Decimal
	BidSize   decimal.Decimal
	BestAsk   decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

// bookTop reduces price levels to the best bid (highest) and best ask
// (lowest). Empty sides stay zero.
func bookTop(marketID, assetID string, bids, asks []WSPriceLevel, ts time.Time) TopOfBook {
	top := TopOfBook{MarketID: marketID, AssetID: assetID, Timestamp: ts}
	for _, lvl := range bids {
		p, s, ok := parseLevel(lvl)
		if ok && p.GreaterThan(top.BestBid) {
			top.BestBid, top.BidSize = p, s
		}
	}
	for _, lvl := range asks {
		p, s, ok := parseLevel(lvl)
		if ok && (top.BestAsk.IsZero() || p.LessThan(top.BestAsk)) {
			top.BestAsk, top.AskSize = p, s
		}
	}
	return top
}

func parseLevel(lvl WSPriceLevel) (decimal.Decimal, decimal.Decimal, bool) {
	p, err := decimal.NewFromString(lvl.Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	s, err := decimal.NewFromString(lvl.Size)
	if err != nil || !s.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return p, s, true
}

// parseTimestamp reads unix milliseconds, unix seconds or RFC3339, falling
// back to fallback.
func parseTimestamp(s string, fallback time.Time) time.Time {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return fallback
}

// toVenueOrder converts a CLOB order to the venue view.
func (a *APIOrder) toVenueOrder(clientID string, feeRate decimal.Decimal) domain.VenueOrder {
	v := domain.VenueOrder{
		VenueOrderID:  a.ID,
		ClientOrderID: clientID,
		OutcomeID:     a.AssetID,
		FilledQty:     a.SizeMatched.Decimal,
		AvgPrice:      a.Price.Decimal,
	}
	v.Fees = v.FilledQty.Mul(v.AvgPrice).Mul(feeRate)

	switch strings.ToUpper(a.Status) {
	case "LIVE", "DELAYED", "UNMATCHED":
		v.Status = domain.VenueStatusOpen
	case "MATCHED":
		v.Status = domain.VenueStatusFilled
		if v.FilledQty.LessThan(a.OriginalSize.Decimal) {
			v.Status = domain.VenueStatusOpen
		}
	case "CANCELED", "CANCELLED", "CANCELED_MARKET_RESOLVED":
		v.Status = domain.VenueStatusCancelled
	default:
		v.Status = domain.VenueStatusOpen
	}
	return v
}
