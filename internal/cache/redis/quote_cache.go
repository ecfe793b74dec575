package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

const defaultQuoteTTL = 30 * time.Second

// QuoteCache implements domain.QuoteCache. The engine mirrors every
// normalized quote here so dashboards and other processes can read the
// latest view of a window without polling the venue. Entries expire after the
// TTL so a stopped engine does not leave stale prices behind.
//
// Key schema:
//
//	{prefix}quote:{outcomeID} - JSON-encoded MarketQuote
type QuoteCache struct {
	client *Client
	ttl    time.Duration
}

// NewQuoteCache creates a QuoteCache. ttl <= 0 uses 30s.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = defaultQuoteTTL
	}
	return &QuoteCache{client: c, ttl: ttl}
}

// SetQuote stores q under its outcome id.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.MarketQuote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: marshal quote %s: %w", q.OutcomeID, err)
	}
	if err := qc.client.rdb.Set(ctx, qc.client.key("quote", q.OutcomeID), data, qc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.OutcomeID, err)
	}
	return nil
}

// GetQuote returns the cached quote, or domain.ErrNotFound.
func (qc *QuoteCache) GetQuote(ctx context.Context, outcomeID string) (domain.MarketQuote, error) {
	data, err := qc.client.rdb.Get(ctx, qc.client.key("quote", outcomeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketQuote{}, domain.ErrNotFound
		}
		return domain.MarketQuote{}, fmt.Errorf("redis: get quote %s: %w", outcomeID, err)
	}
	var q domain.MarketQuote
	if err := json.Unmarshal(data, &q); err != nil {
		return domain.MarketQuote{}, fmt.Errorf("redis: unmarshal quote %s: %w", outcomeID, err)
	}
	return q, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
