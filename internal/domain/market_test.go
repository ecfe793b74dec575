package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetKeyIgnoresWindow(t *testing.T) {
	up := Outcome{ID: "u", Asset: AssetBTC, Direction: DirectionUp}
	down := Outcome{ID: "d", Asset: AssetBTC, Direction: DirectionDown}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewLinkedMarketSet(SetKindComplementary, start, start.Add(15*time.Minute), up, down)
	b := NewLinkedMarketSet(SetKindComplementary, start.Add(15*time.Minute), start.Add(30*time.Minute), up, down)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "complementary:BTC_UP+BTC_DOWN", SetKey(a.ID))
	assert.Equal(t, SetKey(a.ID), SetKey(b.ID))
	assert.Equal(t, "set-1", SetKey("set-1"))
	assert.Equal(t, "complementary:BTC_UP+BTC_DOWN", SetKey("complementary:BTC_UP+BTC_DOWN"))
}
