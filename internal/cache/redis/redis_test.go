package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

func TestKeyNamespacing(t *testing.T) {
	c := &Client{prefix: DefaultKeyPrefix}
	assert.Equal(t, "windowarb:lock:windowarb:set:abc", c.key("lock", "windowarb:set:abc"))
	assert.Equal(t, "windowarb:stream:ledger", c.key("stream", domain.ChannelLedger))
	assert.Equal(t, "windowarb:orders", c.key(domain.ChannelOrders))

	mc := NewMarketCache(c)
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "windowarb:market:BTC:1772452800", mc.marketKey(domain.AssetBTC, start))
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
	assert.Contains(t, slidingWindowLua, "return {1, count + 1}")
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("windowarb:*"))
	assert.False(t, hasPattern("windowarb:orders"))
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(&Client{prefix: DefaultKeyPrefix}, 0, 0)
	assert.Equal(t, 1, rl.limit)
	assert.Equal(t, time.Second, rl.window)
}
