package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/platform/polymarket"
)

// PushCache holds the latest pushed top of book per outcome id.
type PushCache struct {
	mu     sync.RWMutex
	quotes map[string]domain.RawQuote
}

// NewPushCache creates an empty cache.
func NewPushCache() *PushCache {
	return &PushCache{quotes: make(map[string]domain.RawQuote)}
}

// Put stores q, keeping the newer of q and the cached quote.
func (c *PushCache) Put(q domain.RawQuote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.quotes[q.OutcomeID]; ok && cur.Timestamp.After(q.Timestamp) {
		return
	}
	c.quotes[q.OutcomeID] = q
}

// Get returns the cached quote of outcomeID.
func (c *PushCache) Get(outcomeID string) (domain.RawQuote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[outcomeID]
	return q, ok
}

// Retain drops every outcome not in keep.
func (c *PushCache) Retain(keep []string) {
	set := make(map[string]bool, len(keep))
	for _, id := range keep {
		set[id] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.quotes {
		if !set[id] {
			delete(c.quotes, id)
		}
	}
}

// PolymarketWSFeed keeps a PushCache current from the Polymarket market
// channel. The tracked outcomes change at every window rollover.
type PolymarketWSFeed struct {
	client *polymarket.WSClient
	cache  *PushCache
	logger *slog.Logger
}

// NewPolymarketWSFeed creates a feed writing into cache.
func NewPolymarketWSFeed(wsHost string, cache *PushCache, logger *slog.Logger) *PolymarketWSFeed {
	f := &PolymarketWSFeed{
		client: polymarket.NewWSClient(wsHost, logger),
		cache:  cache,
		logger: logger.With(slog.String("component", "polymarket_ws_feed")),
	}
	f.client.OnTopOfBook(func(top polymarket.TopOfBook) {
		f.cache.Put(polymarket.TopToRawQuote(top, time.Time{}))
	})
	return f
}

// Track replaces the subscribed outcome ids.
func (f *PolymarketWSFeed) Track(outcomeIDs []string) {
	f.cache.Retain(outcomeIDs)
	if err := f.client.SetAssets(outcomeIDs); err != nil {
		f.logger.Warn("resubscribe failed", slog.String("error", err.Error()))
		return
	}
	f.logger.Info("market channel tracking", slog.Int("outcomes", len(outcomeIDs)))
}

// Run connects and keeps the feed alive until ctx is cancelled. The client
// reconnects on its own once the first connection succeeds.
func (f *PolymarketWSFeed) Run(ctx context.Context) error {
	delay := 2 * time.Second
	for {
		connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := f.client.Connect(connCtx)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("polymarket ws connect failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Minute {
			delay *= 2
		}
	}
	f.logger.Info("polymarket ws connected")

	<-ctx.Done()
	_ = f.client.Close()
	return ctx.Err()
}
