package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// MarketCache stores discovered window markets so restarts and sibling
// processes resolve a window once per asset.
//
// Key schema:
//
//	{prefix}market:{asset}:{windowStartUnix} - JSON-encoded WindowMarket
type MarketCache struct {
	client *Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{client: c}
}

func (mc *MarketCache) marketKey(asset domain.Asset, start time.Time) string {
	return mc.client.key("market", string(asset), strconv.FormatInt(start.Unix(), 10))
}

// Set stores m until shortly after its window closes.
func (mc *MarketCache) Set(ctx context.Context, m domain.WindowMarket) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", m.Slug, err)
	}
	ttl := time.Until(m.WindowClose) + time.Minute
	if ttl <= 0 {
		return nil
	}
	if err := mc.client.rdb.Set(ctx, mc.marketKey(m.Asset, m.WindowStart), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", m.Slug, err)
	}
	return nil
}

// Get returns the cached market, or domain.ErrNotFound.
func (mc *MarketCache) Get(ctx context.Context, asset domain.Asset, start time.Time) (domain.WindowMarket, error) {
	data, err := mc.client.rdb.Get(ctx, mc.marketKey(asset, start)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.WindowMarket{}, domain.ErrNotFound
		}
		return domain.WindowMarket{}, fmt.Errorf("redis: get market %s: %w", asset, err)
	}
	var m domain.WindowMarket
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.WindowMarket{}, fmt.Errorf("redis: unmarshal market %s: %w", asset, err)
	}
	return m, nil
}

// CachedDiscovery wraps a MarketDiscovery with the cache. Cache failures
// fall through to the inner discovery.
type CachedDiscovery struct {
	inner  domain.MarketDiscovery
	cache  *MarketCache
	logger *slog.Logger
}

// NewCachedDiscovery creates a caching MarketDiscovery.
func NewCachedDiscovery(inner domain.MarketDiscovery, cache *MarketCache, logger *slog.Logger) *CachedDiscovery {
	return &CachedDiscovery{
		inner:  inner,
		cache:  cache,
		logger: logger.With(slog.String("component", "market_cache")),
	}
}

// Discover implements domain.MarketDiscovery.
func (d *CachedDiscovery) Discover(ctx context.Context, asset domain.Asset, start time.Time) (domain.WindowMarket, error) {
	m, err := d.cache.Get(ctx, asset, start)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		d.logger.WarnContext(ctx, "market cache read failed", slog.String("error", err.Error()))
	}

	m, err = d.inner.Discover(ctx, asset, start)
	if err != nil {
		return domain.WindowMarket{}, err
	}
	if err := d.cache.Set(ctx, m); err != nil {
		d.logger.WarnContext(ctx, "market cache write failed", slog.String("error", err.Error()))
	}
	return m, nil
}

// Compile-time interface check.
var _ domain.MarketDiscovery = (*CachedDiscovery)(nil)
