package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/arbitrage"
	"github.com/alanyoungcy/windowarb/internal/bankroll"
	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/normalizer"
	"github.com/alanyoungcy/windowarb/internal/sizing"
	"github.com/alanyoungcy/windowarb/internal/store/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(dur time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(dur)
	c.mu.Unlock()
}

type fakeDiscovery struct {
	mu     sync.Mutex
	starts []time.Time
}

func (f *fakeDiscovery) Discover(_ context.Context, asset domain.Asset, start time.Time) (domain.WindowMarket, error) {
	f.mu.Lock()
	f.starts = append(f.starts, start)
	f.mu.Unlock()
	a := string(asset)
	return domain.WindowMarket{
		Asset:       asset,
		Slug:        strings.ToLower(a) + "-updown-15m",
		ConditionID: "cond-" + a,
		UpTokenID:   a + "-up",
		DownTokenID: a + "-down",
		WindowStart: start,
		WindowClose: start.Add(15 * time.Minute),
		TickSize:    d("0.01"),
		MinSize:     d("1"),
	}, nil
}

type level struct{ bid, ask string }

type fakeFetcher struct {
	clock *clock
	book  map[string]level

	mu      sync.Mutex
	calls   int
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, set domain.LinkedMarketSet) (map[string]domain.RawQuote, error) {
	f.mu.Lock()
	f.calls++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make(map[string]domain.RawQuote, len(set.Outcomes))
	for _, o := range set.Outcomes {
		l := f.book[o.ID]
		out[o.ID] = domain.RawQuote{
			Venue:       "test",
			MarketID:    o.MarketID,
			OutcomeID:   o.ID,
			BestBid:     d(l.bid),
			BestAsk:     d(l.ask),
			BidSize:     d("15"),
			AskSize:     d("15"),
			Timestamp:   f.clock.now(),
			WindowClose: set.WindowClose,
		}
	}
	return out, nil
}

func (f *fakeFetcher) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type execution struct {
	opp   domain.ArbitrageOpportunity
	sized []domain.SizedOrder
}

type fakeExecutor struct {
	mu     sync.Mutex
	runs   []execution
	halted map[string]string
}

func (f *fakeExecutor) Execute(_ context.Context, opp domain.ArbitrageOpportunity, sized []domain.SizedOrder) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, execution{opp: opp, sized: sized})
	return domain.Position{OpportunityID: opp.ID, LinkedSetID: opp.LinkedSetID}, nil
}

func (f *fakeExecutor) OpenOnSet(setID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.runs {
		if r.opp.LinkedSetID == setID {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) Halted(setID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.halted[setID]
	return r, ok
}

func (f *fakeExecutor) executions() []execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution(nil), f.runs...)
}

type recordingTracker struct {
	mu  sync.Mutex
	ids [][]string
}

func (r *recordingTracker) Track(ids []string) {
	r.mu.Lock()
	r.ids = append(r.ids, ids)
	r.mu.Unlock()
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAlerter) Alert(_ context.Context, event, _ string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

type fixture struct {
	engine    *Engine
	alerts    *recordingAlerter
	clock     *clock
	discovery *fakeDiscovery
	fetcher   *fakeFetcher
	exec      *fakeExecutor
	tracker   *recordingTracker
	opps      *memory.OpportunityStore
}

// windowOpen is 12:01 UTC, one minute into the 12:00 window.
var windowOpen = time.Date(2026, 3, 2, 12, 1, 0, 0, time.UTC)

func newFixture(t *testing.T, cfg Config, book map[string]level) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &clock{t: windowOpen}
	bank, err := bankroll.Open(context.Background(), nil, d("100"), logger, c.now)
	require.NoError(t, err)

	f := &fixture{
		clock:     c,
		discovery: &fakeDiscovery{},
		fetcher:   &fakeFetcher{clock: c, book: book},
		exec:      &fakeExecutor{halted: make(map[string]string)},
		tracker:   &recordingTracker{},
		opps:      memory.NewOpportunityStore(),
		alerts:    &recordingAlerter{},
	}
	if cfg.Assets == nil {
		cfg.Assets = []domain.Asset{domain.AssetBTC, domain.AssetETH}
	}
	cfg.WindowDuration = 15 * time.Minute
	f.engine = New(Deps{
		Discovery:  f.discovery,
		Fetcher:    f.fetcher,
		Tracker:    f.tracker,
		Normalizer: normalizer.New(normalizer.NewFeeSchedule(0, nil), 2*time.Second, c.now),
		Detector: arbitrage.NewDetector(arbitrage.Config{
			MinEdgeMargin: d("0.01"),
			SyncWindow:    time.Second,
			PriceFloor:    d("0.6"),
		}, c.now),
		Sizer: sizing.New(sizing.Config{
			RiskCeiling:    d("20"),
			MinTradeAmount: d("1"),
			MaxOpenPerSet:  1,
			LotSize:        d("1"),
			MinOrderSize:   d("1"),
			MaxSlippage:    d("0.02"),
		}),
		Book:          bank,
		Executor:      f.exec,
		Opportunities: f.opps,
		Alerter:       f.alerts,
	}, cfg, logger, c.now)
	return f
}

// buyArbBook has a buy-arb on BTC only: 0.46 + 0.52 = 0.98 < 0.99. The
// correlated ETH_DOWN+BTC_UP pair also sums below 0.99 but both asks are
// under the 0.6 floor.
func buyArbBook() map[string]level {
	return map[string]level{
		"BTC-up":   {bid: "0.44", ask: "0.46"},
		"BTC-down": {bid: "0.50", ask: "0.52"},
		"ETH-up":   {bid: "0.48", ask: "0.50"},
		"ETH-down": {bid: "0.49", ask: "0.51"},
	}
}

func TestWindowStart(t *testing.T) {
	at := time.Date(2026, 3, 2, 12, 7, 31, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), WindowStart(at, 15*time.Minute))
	assert.Equal(t, time.Date(2026, 3, 2, 12, 15, 0, 0, time.UTC),
		WindowStart(time.Date(2026, 3, 2, 12, 15, 0, 0, time.UTC), 15*time.Minute))
}

func TestBuildSets(t *testing.T) {
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	disc := &fakeDiscovery{}
	btc, _ := disc.Discover(context.Background(), domain.AssetBTC, start)
	eth, _ := disc.Discover(context.Background(), domain.AssetETH, start)

	tests := []struct {
		name    string
		markets map[domain.Asset]domain.WindowMarket
		cross   bool
		want    []string
	}{
		{
			name:    "complementary only",
			markets: map[domain.Asset]domain.WindowMarket{domain.AssetBTC: btc, domain.AssetETH: eth},
			want:    []string{"complementary:BTC_UP+BTC_DOWN", "complementary:ETH_UP+ETH_DOWN"},
		},
		{
			name:    "with correlated pairs",
			markets: map[domain.Asset]domain.WindowMarket{domain.AssetBTC: btc, domain.AssetETH: eth},
			cross:   true,
			want: []string{
				"complementary:BTC_UP+BTC_DOWN",
				"complementary:ETH_UP+ETH_DOWN",
				"correlated:ETH_UP+BTC_DOWN",
				"correlated:ETH_DOWN+BTC_UP",
			},
		},
		{
			name:    "single asset has no pairs",
			markets: map[domain.Asset]domain.WindowMarket{domain.AssetBTC: btc},
			cross:   true,
			want:    []string{"complementary:BTC_UP+BTC_DOWN"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sets := BuildSets(tt.markets, tt.cross)
			require.Len(t, sets, len(tt.want))
			for i, s := range sets {
				assert.Equal(t, "1772452800:"+tt.want[i], s.ID)
				assert.True(t, s.WindowClose.Equal(start.Add(15*time.Minute)))
			}
		})
	}
}

func TestTickExecutesBuyArb(t *testing.T) {
	f := newFixture(t, Config{CrossAssetPairs: true}, buyArbBook())
	require.NoError(t, f.engine.Tick(context.Background()))

	runs := f.exec.executions()
	require.Len(t, runs, 1)
	opp := runs[0].opp
	assert.True(t, strings.HasSuffix(opp.LinkedSetID, "complementary:BTC_UP+BTC_DOWN"))
	assert.Equal(t, domain.ArbDirectionBuy, opp.Direction)
	assert.True(t, opp.TheoreticalEdge.Equal(d("0.02")))
	require.Len(t, runs[0].sized, 2)
	assert.True(t, runs[0].sized[0].Quantity.Equal(d("15")), "venue size bound")

	recent, err := f.opps.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	st := f.engine.Status()
	assert.EqualValues(t, 1, st.Ticks)
	assert.EqualValues(t, 1, st.Executed)
	assert.Len(t, st.Sets, 4)
	assert.Equal(t, "run", st.Mode)
}

func TestTickDoesNotReenterOpenSet(t *testing.T) {
	f := newFixture(t, Config{Assets: []domain.Asset{domain.AssetBTC}}, buyArbBook())
	require.NoError(t, f.engine.Tick(context.Background()))
	require.NoError(t, f.engine.Tick(context.Background()))
	assert.Len(t, f.exec.executions(), 1)
}

func TestMonitorOnlyRecordsWithoutExecuting(t *testing.T) {
	f := newFixture(t, Config{MonitorOnly: true}, buyArbBook())
	require.NoError(t, f.engine.Tick(context.Background()))

	assert.Empty(t, f.exec.executions())
	recent, err := f.opps.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	assert.Equal(t, "monitor", f.engine.Status().Mode)
}

func TestSellArbExecutesOnlyWhenEnabled(t *testing.T) {
	// bids 0.55 + 0.50 = 1.05 > 1.01; asks sum to 1.08, no buy-arb.
	book := map[string]level{
		"BTC-up":   {bid: "0.55", ask: "0.56"},
		"BTC-down": {bid: "0.50", ask: "0.52"},
	}
	cfg := Config{Assets: []domain.Asset{domain.AssetBTC}}

	off := newFixture(t, cfg, book)
	require.NoError(t, off.engine.Tick(context.Background()))
	assert.Empty(t, off.exec.executions())

	cfg.SellArbEnabled = true
	on := newFixture(t, cfg, book)
	require.NoError(t, on.engine.Tick(context.Background()))
	runs := on.exec.executions()
	require.Len(t, runs, 1)
	assert.Equal(t, domain.ArbDirectionSell, runs[0].opp.Direction)
	assert.Equal(t, domain.OrderSideSell, runs[0].opp.Legs[0].Side)
}

func TestHaltedSetIsSkipped(t *testing.T) {
	f := newFixture(t, Config{Assets: []domain.Asset{domain.AssetBTC}}, buyArbBook())
	f.engine.rollover(context.Background())
	sets := f.engine.Sets()
	require.Len(t, sets, 1)
	f.exec.halted[sets[0].ID] = "hedge failed"

	require.NoError(t, f.engine.Tick(context.Background()))
	assert.Empty(t, f.exec.executions())
	assert.Equal(t, 0, f.fetcher.fetches())
}

func TestOverlappingTickSkipsBusySet(t *testing.T) {
	f := newFixture(t, Config{Assets: []domain.Asset{domain.AssetBTC}}, buyArbBook())
	gate := make(chan struct{})
	f.fetcher.gate = gate
	f.fetcher.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- f.engine.Tick(context.Background()) }()
	<-f.fetcher.entered

	// The first tick holds the set; this one must not wait for it.
	require.NoError(t, f.engine.Tick(context.Background()))
	assert.Equal(t, 1, f.fetcher.fetches())

	close(gate)
	require.NoError(t, <-done)
	assert.Len(t, f.exec.executions(), 1)
}

func TestRolloverReplacesSets(t *testing.T) {
	f := newFixture(t, Config{Assets: []domain.Asset{domain.AssetBTC}}, buyArbBook())
	require.NoError(t, f.engine.Tick(context.Background()))
	first := f.engine.Sets()
	require.Len(t, first, 1)

	f.clock.advance(15 * time.Minute)
	require.NoError(t, f.engine.Tick(context.Background()))
	second := f.engine.Sets()
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.True(t, second[0].WindowStart.Equal(time.Date(2026, 3, 2, 12, 15, 0, 0, time.UTC)))

	f.tracker.mu.Lock()
	defer f.tracker.mu.Unlock()
	require.Len(t, f.tracker.ids, 2)
	assert.ElementsMatch(t, []string{"BTC-up", "BTC-down"}, f.tracker.ids[1])

	f.engine.mu.Lock()
	_, stale := f.engine.setLocks[first[0].ID]
	f.engine.mu.Unlock()
	assert.False(t, stale, "closed window state released")
}

func TestStopPausesTicks(t *testing.T) {
	f := newFixture(t, Config{Assets: []domain.Asset{domain.AssetBTC}}, buyArbBook())
	f.engine.Stop()
	f.engine.Stop()
	assert.ErrorIs(t, f.engine.Tick(context.Background()), domain.ErrEngineStopped)
	assert.False(t, f.engine.Status().Running)
	assert.Equal(t, []string{"engine_halted"}, f.alerts.events)
	assert.Empty(t, f.exec.executions())

	f.engine.Start()
	require.NoError(t, f.engine.Tick(context.Background()))
	assert.Len(t, f.exec.executions(), 1)
}

func TestStaleQuotesSkipSet(t *testing.T) {
	f := newFixture(t, Config{Assets: []domain.Asset{domain.AssetBTC}}, buyArbBook())
	f.engine.rollover(context.Background())
	// Quotes are stamped before the clock jumps past the staleness bound.
	f.fetcher.clock = &clock{t: windowOpen.Add(-5 * time.Second)}

	require.NoError(t, f.engine.Tick(context.Background()))
	assert.Empty(t, f.exec.executions())
}
