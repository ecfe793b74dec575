package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

type cachedResolution struct {
	res     domain.Resolution
	fetched time.Time
}

// resolutionCache remembers market resolutions per condition id. Closed
// markets are kept for good; open ones are refetched after ttl.
type resolutionCache struct {
	resolver domain.MarketResolver
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cachedResolution
}

func newResolutionCache(resolver domain.MarketResolver, ttl time.Duration, now func() time.Time) *resolutionCache {
	return &resolutionCache{
		resolver: resolver,
		ttl:      ttl,
		now:      now,
		entries:  make(map[string]cachedResolution),
	}
}

func (c *resolutionCache) get(ctx context.Context, conditionID string) (domain.Resolution, error) {
	c.mu.Lock()
	e, ok := c.entries[conditionID]
	c.mu.Unlock()
	if ok && (e.res.Closed || c.now().Sub(e.fetched) < c.ttl) {
		return e.res, nil
	}

	res, err := c.resolver.Resolution(ctx, conditionID)
	if err != nil {
		return domain.Resolution{}, err
	}
	c.mu.Lock()
	c.entries[conditionID] = cachedResolution{res: res, fetched: c.now()}
	c.mu.Unlock()
	return res, nil
}
