package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/retry"
)

// rediscoverAfter throttles discovery when a window yielded no sets.
const rediscoverAfter = 15 * time.Second

// WindowStart returns the start of the window containing t:
// floor(unix / duration) * duration.
func WindowStart(t time.Time, window time.Duration) time.Time {
	secs := int64(window / time.Second)
	if secs <= 0 {
		return t.UTC()
	}
	return time.Unix((t.Unix()/secs)*secs, 0).UTC()
}

// BuildSets derives the linked sets of one window. Every asset gets its
// complementary UP+DOWN set; with crossPairs and both BTC and ETH present the
// correlated ETH_UP+BTC_DOWN and ETH_DOWN+BTC_UP pairs are added.
func BuildSets(markets map[domain.Asset]domain.WindowMarket, crossPairs bool) []domain.LinkedMarketSet {
	assets := make([]domain.Asset, 0, len(markets))
	for a := range markets {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })

	var sets []domain.LinkedMarketSet
	for _, a := range assets {
		m := markets[a]
		sets = append(sets, domain.NewLinkedMarketSet(domain.SetKindComplementary, m.WindowStart, m.WindowClose,
			m.Outcome(domain.DirectionUp), m.Outcome(domain.DirectionDown)))
	}

	btc, okBTC := markets[domain.AssetBTC]
	eth, okETH := markets[domain.AssetETH]
	if !crossPairs || !okBTC || !okETH {
		return sets
	}
	if !btc.WindowClose.Equal(eth.WindowClose) {
		return sets
	}
	sets = append(sets,
		domain.NewLinkedMarketSet(domain.SetKindCorrelated, eth.WindowStart, eth.WindowClose,
			eth.Outcome(domain.DirectionUp), btc.Outcome(domain.DirectionDown)),
		domain.NewLinkedMarketSet(domain.SetKindCorrelated, eth.WindowStart, eth.WindowClose,
			eth.Outcome(domain.DirectionDown), btc.Outcome(domain.DirectionUp)),
	)
	return sets
}

// rollover discovers the markets of the current window and replaces the
// tracked sets. It is a no-op while the tracked window is still current.
func (e *Engine) rollover(ctx context.Context) {
	e.rollMu.Lock()
	defer e.rollMu.Unlock()

	now := e.now()
	start := WindowStart(now, e.cfg.WindowDuration)

	e.mu.Lock()
	current := e.window.Equal(start)
	haveSets := len(e.sets) > 0
	recent := now.Sub(e.lastDiscovery) < rediscoverAfter
	e.mu.Unlock()
	if current && (haveSets || recent) {
		return
	}

	markets := e.discover(ctx, start)
	sets := BuildSets(markets, e.cfg.CrossAssetPairs)

	live := make(map[string]bool, len(sets))
	var outcomeIDs []string
	for _, s := range sets {
		live[s.ID] = true
	}
	for _, m := range markets {
		outcomeIDs = append(outcomeIDs, m.UpTokenID, m.DownTokenID)
	}

	e.mu.Lock()
	e.window = start
	e.sets = sets
	e.lastDiscovery = now
	for id := range e.setLocks {
		if !live[id] {
			delete(e.setLocks, id)
		}
	}
	e.mu.Unlock()

	if e.deps.Tracker != nil {
		e.deps.Tracker.Track(outcomeIDs)
	}

	if len(sets) == 0 {
		e.logger.WarnContext(ctx, "no linked sets for window",
			slog.Time("window_start", start),
			slog.String("reason", "discovery_empty"),
		)
		e.deps.Metrics.Skip("discovery_empty")
		return
	}
	e.logger.InfoContext(ctx, "window rollover",
		slog.Time("window_start", start),
		slog.Time("window_close", sets[0].WindowClose),
		slog.Int("sets", len(sets)),
	)
	e.publish(ctx, map[string]any{
		"event":        "rollover",
		"window_start": start,
		"sets":         setIDs(sets),
	})
}

// discover resolves every configured asset concurrently. An asset whose
// market cannot be found is logged and left out of the window.
func (e *Engine) discover(ctx context.Context, start time.Time) map[domain.Asset]domain.WindowMarket {
	var mu sync.Mutex
	out := make(map[domain.Asset]domain.WindowMarket, len(e.cfg.Assets))

	var g errgroup.Group
	for _, asset := range e.cfg.Assets {
		g.Go(func() error {
			m, err := retry.Value(ctx, e.cfg.Retry, func(ctx context.Context) (domain.WindowMarket, error) {
				return e.deps.Discovery.Discover(ctx, asset, start)
			})
			if err != nil {
				e.logger.WarnContext(ctx, "market discovery failed",
					slog.String("asset", string(asset)),
					slog.Time("window_start", start),
					slog.String("reason", "discovery_failed"),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if m.Closed {
				e.logger.InfoContext(ctx, "window market already closed",
					slog.String("asset", string(asset)),
					slog.String("condition_id", m.ConditionID),
				)
				return nil
			}
			if err := validateMarket(m); err != nil {
				e.logger.WarnContext(ctx, "discovered market unusable",
					slog.String("asset", string(asset)),
					slog.String("reason", "discovery_invalid"),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			out[asset] = m
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func validateMarket(m domain.WindowMarket) error {
	if m.UpTokenID == "" || m.DownTokenID == "" {
		return fmt.Errorf("engine: market %s: missing outcome token", m.Slug)
	}
	if !m.WindowClose.After(m.WindowStart) {
		return fmt.Errorf("engine: market %s: close %s not after start %s", m.Slug, m.WindowClose, m.WindowStart)
	}
	return nil
}

func setIDs(sets []domain.LinkedMarketSet) []string {
	out := make([]string, len(sets))
	for i, s := range sets {
		out[i] = s.ID
	}
	return out
}
