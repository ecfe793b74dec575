package arbitrage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

var (
	start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end   = start.Add(15 * time.Minute)
	now   = start.Add(5 * time.Minute)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcSet() domain.LinkedMarketSet {
	m := domain.WindowMarket{
		Asset: domain.AssetBTC, ConditionID: "cond-btc",
		UpTokenID: "btc-up", DownTokenID: "btc-down",
		WindowStart: start, WindowClose: end,
	}
	return domain.NewLinkedMarketSet(domain.SetKindComplementary, start, end,
		m.Outcome(domain.DirectionUp), m.Outcome(domain.DirectionDown))
}

func quote(id, bid, ask, size string, ts time.Time) domain.MarketQuote {
	return domain.MarketQuote{
		Venue: "polymarket", OutcomeID: id,
		BestBid: d(bid), BestAsk: d(ask), RawBid: d(bid), RawAsk: d(ask),
		BidSize: d(size), AskSize: d(size),
		Timestamp: ts, WindowClose: end,
	}
}

func quotes(qs ...domain.MarketQuote) map[string]domain.MarketQuote {
	m := make(map[string]domain.MarketQuote, len(qs))
	for _, q := range qs {
		m[q.OutcomeID] = q
	}
	return m
}

func detector(margin string) *Detector {
	return NewDetector(Config{
		MinEdgeMargin: d(margin),
		SyncWindow:    time.Second,
		PriceFloor:    d("0.6"),
	}, func() time.Time { return now })
}

func TestDetectBuyArbitrageScenario(t *testing.T) {
	set := btcSet()
	qs := quotes(
		quote("btc-up", "0.44", "0.46", "15", now),
		quote("btc-down", "0.50", "0.52", "40", now),
	)

	res := detector("0.01").Detect(set, qs)
	require.Len(t, res.Opportunities, 1)
	opp := res.Opportunities[0]

	assert.Equal(t, domain.ArbDirectionBuy, opp.Direction)
	assert.True(t, opp.ImpliedCost.Equal(d("0.98")), "implied=%s", opp.ImpliedCost)
	assert.True(t, opp.TheoreticalEdge.Equal(d("0.02")), "edge=%s", opp.TheoreticalEdge)
	assert.Equal(t, set.ID, opp.LinkedSetID)
	assert.Equal(t, end, opp.WindowClose)
	require.Len(t, opp.Legs, 2)
	assert.Equal(t, "btc-up", opp.Legs[0].OutcomeID)
	assert.True(t, opp.Legs[0].LimitPrice.Equal(d("0.46")))
	assert.True(t, opp.Legs[0].VenueSize.Equal(d("15")))
	assert.Equal(t, domain.OrderSideBuy, opp.Legs[1].Side)
}

func TestDetectMarginTooWide(t *testing.T) {
	qs := quotes(
		quote("btc-up", "0.44", "0.46", "15", now),
		quote("btc-down", "0.50", "0.52", "40", now),
	)
	res := detector("0.03").Detect(btcSet(), qs)
	assert.Empty(t, res.Opportunities)
	assert.Equal(t, SkipNoEdge, res.Skip)
}

func TestDetectStrictInequalityAtBoundary(t *testing.T) {
	cases := []struct {
		name     string
		up, down string
		margin   string
		wantFlag bool
	}{
		{"edge equals margin", "0.49", "0.50", "0.01", false},
		{"edge one tick above margin", "0.48", "0.50", "0.01", true},
		{"edge equals zero margin", "0.50", "0.50", "0", false},
		{"edge below margin", "0.49", "0.505", "0.01", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			qs := quotes(
				quote("btc-up", "0.01", tc.up, "10", now),
				quote("btc-down", "0.01", tc.down, "10", now),
			)
			res := detector(tc.margin).Detect(btcSet(), qs)
			assert.Equal(t, tc.wantFlag, len(res.Opportunities) == 1)
		})
	}
}

func TestDetectRequiresSynchronizedQuotes(t *testing.T) {
	qs := quotes(
		quote("btc-up", "0.44", "0.46", "15", now.Add(-1500*time.Millisecond)),
		quote("btc-down", "0.50", "0.52", "40", now),
	)
	res := detector("0.01").Detect(btcSet(), qs)
	assert.Empty(t, res.Opportunities)
	assert.Equal(t, SkipUnsynchronized, res.Skip)
}

func TestDetectMissingQuote(t *testing.T) {
	res := detector("0.01").Detect(btcSet(), quotes(quote("btc-up", "0.44", "0.46", "15", now)))
	assert.Equal(t, SkipMissingQuote, res.Skip)
}

func TestDetectWindowMismatch(t *testing.T) {
	late := quote("btc-down", "0.50", "0.52", "40", now)
	late.WindowClose = end.Add(15 * time.Minute)
	res := detector("0.01").Detect(btcSet(), quotes(quote("btc-up", "0.44", "0.46", "15", now), late))
	assert.Equal(t, SkipWindowMismatch, res.Skip)
}

func TestDetectEmptyBookIsNoLiquidity(t *testing.T) {
	qs := quotes(
		quote("btc-up", "0", "0", "0", now),
		quote("btc-down", "0.50", "0.52", "40", now),
	)
	res := detector("0.01").Detect(btcSet(), qs)
	assert.Empty(t, res.Opportunities)
	assert.Equal(t, SkipNoLiquidity, res.Skip)
}

func TestDetectSellArbitrage(t *testing.T) {
	qs := quotes(
		quote("btc-up", "0.55", "0.56", "20", now),
		quote("btc-down", "0.48", "0.49", "30", now),
	)
	res := detector("0.01").Detect(btcSet(), qs)
	require.Len(t, res.Opportunities, 1)
	opp := res.Opportunities[0]
	assert.Equal(t, domain.ArbDirectionSell, opp.Direction)
	assert.True(t, opp.TheoreticalEdge.Equal(d("0.03")), "edge=%s", opp.TheoreticalEdge)
	assert.True(t, opp.ImpliedCost.Equal(d("0.97")), "implied=%s", opp.ImpliedCost)
	assert.Equal(t, domain.OrderSideSell, opp.Legs[0].Side)
	assert.True(t, opp.Legs[0].LimitPrice.Equal(d("0.55")))
}

func TestDetectGeneralizesToThreeOutcomes(t *testing.T) {
	outs := []domain.Outcome{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	set := domain.LinkedMarketSet{ID: "tri", Kind: domain.SetKindComplementary, WindowClose: end, Outcomes: outs}

	qs := quotes(
		quote("a", "0.20", "0.30", "10", now),
		quote("b", "0.20", "0.30", "10", now),
		quote("c", "0.20", "0.35", "10", now),
	)
	res := detector("0.01").Detect(set, qs)
	require.Len(t, res.Opportunities, 1)
	assert.True(t, res.Opportunities[0].ImpliedCost.Equal(d("0.95")))
	assert.Len(t, res.Opportunities[0].Legs, 3)

	qs["c"] = quote("c", "0.20", "0.39", "10", now)
	res = detector("0.01").Detect(set, qs)
	assert.Empty(t, res.Opportunities, "0.99 is not below 0.99")
}

func TestDetectCorrelatedPairPriceFloor(t *testing.T) {
	eth := domain.WindowMarket{Asset: domain.AssetETH, ConditionID: "cond-eth", UpTokenID: "eth-up", DownTokenID: "eth-down"}
	btc := domain.WindowMarket{Asset: domain.AssetBTC, ConditionID: "cond-btc", UpTokenID: "btc-up", DownTokenID: "btc-down"}
	set := domain.NewLinkedMarketSet(domain.SetKindCorrelated, start, end,
		eth.Outcome(domain.DirectionUp), btc.Outcome(domain.DirectionDown))

	// both legs cheap: skipped even though the sum is far below one
	cheap := quotes(
		quote("eth-up", "0.30", "0.35", "10", now),
		quote("btc-down", "0.30", "0.35", "10", now),
	)
	res := detector("0.01").Detect(set, cheap)
	assert.Empty(t, res.Opportunities)
	assert.Equal(t, SkipPriceFloor, res.Skip)

	ok := quotes(
		quote("eth-up", "0.60", "0.62", "10", now),
		quote("btc-down", "0.30", "0.33", "10", now),
	)
	res = detector("0.01").Detect(set, ok)
	require.Len(t, res.Opportunities, 1)
	assert.Equal(t, domain.SetKindCorrelated, res.Opportunities[0].Kind)
	assert.Equal(t, "ETH_UP", res.Opportunities[0].Legs[0].Label)

	// correlated sets never produce sell-arbs
	rich := quotes(
		quote("eth-up", "0.70", "0.71", "10", now),
		quote("btc-down", "0.60", "0.61", "10", now),
	)
	res = detector("0.01").Detect(set, rich)
	assert.Empty(t, res.Opportunities)
}

func TestDetectUsesFeeAdjustedAsks(t *testing.T) {
	up := quote("btc-up", "0.44", "0.46", "15", now)
	down := quote("btc-down", "0.50", "0.52", "40", now)
	// fees push effective cost to 0.995
	up.BestAsk = d("0.47")
	down.BestAsk = d("0.525")
	res := detector("0.01").Detect(btcSet(), quotes(up, down))
	assert.Empty(t, res.Opportunities)
}
