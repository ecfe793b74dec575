// Package feed supplies raw quotes for every outcome of a linked set, from
// the websocket push cache when fresh and from REST otherwise.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/retry"
)

// Poller fetches quotes for all outcomes of a set concurrently.
type Poller struct {
	source domain.QuoteSource
	push   *PushCache
	policy retry.Policy
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewPoller creates a Poller. push may be nil to always use source.
func NewPoller(source domain.QuoteSource, push *PushCache, policy retry.Policy, maxAge time.Duration, logger *slog.Logger, now func() time.Time) *Poller {
	if now == nil {
		now = time.Now
	}
	return &Poller{
		source: source,
		push:   push,
		policy: policy,
		maxAge: maxAge,
		now:    now,
		logger: logger.With(slog.String("component", "poller")),
	}
}

// Fetch returns one raw quote per outcome id of set. Any outcome that cannot
// be fetched fails the whole set: a partial set cannot be evaluated.
func (p *Poller) Fetch(ctx context.Context, set domain.LinkedMarketSet) (map[string]domain.RawQuote, error) {
	var mu sync.Mutex
	out := make(map[string]domain.RawQuote, len(set.Outcomes))

	g, gctx := errgroup.WithContext(ctx)
	for _, outcome := range set.Outcomes {
		g.Go(func() error {
			q, err := p.fetchOne(gctx, outcome, set.WindowClose)
			if err != nil {
				return fmt.Errorf("feed: %s: %w", outcome.Label(), err)
			}
			mu.Lock()
			out[outcome.ID] = q
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Poller) fetchOne(ctx context.Context, outcome domain.Outcome, windowClose time.Time) (domain.RawQuote, error) {
	if p.push != nil {
		if q, ok := p.push.Get(outcome.ID); ok && p.now().Sub(q.Timestamp) <= p.maxAge {
			q.WindowClose = windowClose
			if q.MarketID == "" {
				q.MarketID = outcome.MarketID
			}
			return q, nil
		}
	}
	q, err := retry.Value(ctx, p.policy, func(ctx context.Context) (domain.RawQuote, error) {
		return p.source.FetchQuote(ctx, outcome, windowClose)
	})
	if err != nil {
		return domain.RawQuote{}, err
	}
	if q.MarketID == "" {
		q.MarketID = outcome.MarketID
	}
	return q, nil
}
