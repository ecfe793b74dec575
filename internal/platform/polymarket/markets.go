package polymarket

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// Markets discovers window markets by slug, reports their resolution and
// serves REST top of book. It implements domain.MarketDiscovery,
// domain.MarketResolver and domain.QuoteSource.
type Markets struct {
	gamma        *GammaClient
	clob         *ClobClient
	slugTemplate string
	window       time.Duration
	now          func() time.Time
}

// NewMarkets creates the market-data adapter. slugTemplate may use {asset}
// (lower-cased) and {start} (unix seconds of the window start).
func NewMarkets(gamma *GammaClient, clob *ClobClient, slugTemplate string, window time.Duration) *Markets {
	return &Markets{
		gamma:        gamma,
		clob:         clob,
		slugTemplate: slugTemplate,
		window:       window,
		now:          time.Now,
	}
}

// Slug renders the market slug of asset for the window starting at start.
func Slug(template string, asset domain.Asset, start time.Time) string {
	return strings.NewReplacer(
		"{asset}", strings.ToLower(string(asset)),
		"{start}", strconv.FormatInt(start.Unix(), 10),
	).Replace(template)
}

// Discover looks up the up/down market of asset for windowStart.
func (m *Markets) Discover(ctx context.Context, asset domain.Asset, windowStart time.Time) (domain.WindowMarket, error) {
	slug := Slug(m.slugTemplate, asset, windowStart)
	api, err := m.gamma.GetMarketBySlug(ctx, slug)
	if err != nil {
		return domain.WindowMarket{}, err
	}
	wm := api.toWindowMarket(asset, windowStart, m.window)
	if wm.ConditionID == "" || wm.UpTokenID == "" || wm.DownTokenID == "" {
		return domain.WindowMarket{}, fmt.Errorf("polymarket: market %s: missing condition or outcome tokens: %w", slug, domain.ErrNotFound)
	}
	return wm, nil
}

// Resolution reports whether the market has settled and which token won.
func (m *Markets) Resolution(ctx context.Context, conditionID string) (domain.Resolution, error) {
	api, err := m.gamma.GetMarketByCondition(ctx, conditionID)
	if err != nil {
		return domain.Resolution{}, err
	}
	return api.resolution(), nil
}

// FetchQuote reads the top of book of outcome over REST.
func (m *Markets) FetchQuote(ctx context.Context, outcome domain.Outcome, windowClose time.Time) (domain.RawQuote, error) {
	book, err := m.clob.GetBook(ctx, outcome.ID)
	if err != nil {
		return domain.RawQuote{}, err
	}
	top := bookTop(outcome.MarketID, outcome.ID, book.Bids, book.Asks, parseTimestamp(book.Timestamp, m.now()))
	return TopToRawQuote(top, windowClose), nil
}

// TopToRawQuote converts a top of book to a venue quote.
func TopToRawQuote(top TopOfBook, windowClose time.Time) domain.RawQuote {
	return domain.RawQuote{
		Venue:       VenueName,
		MarketID:    top.MarketID,
		OutcomeID:   top.AssetID,
		BestBid:     top.BestBid,
		BestAsk:     top.BestAsk,
		BidSize:     top.BidSize,
		AskSize:     top.AskSize,
		Timestamp:   top.Timestamp,
		WindowClose: windowClose,
	}
}
