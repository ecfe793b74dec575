package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToMatchingSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewBus(0)

	orders, err := b.Subscribe(ctx, "orders")
	require.NoError(t, err)
	all, err := b.Subscribe(ctx, "*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "orders", []byte("o1")))
	require.NoError(t, b.Publish(ctx, "ledger", []byte("l1")))

	assert.Equal(t, []byte("o1"), <-orders)
	assert.Equal(t, []byte("o1"), <-all)
	assert.Equal(t, []byte("l1"), <-all)
	select {
	case msg := <-orders:
		t.Fatalf("unexpected message %q", msg)
	default:
	}
}

func TestBusClosesSubscriptionOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBus(0)
	ch, err := b.Subscribe(ctx, "engine")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestBusStreamReadAfterID(t *testing.T) {
	ctx := context.Background()
	b := NewBus(2)
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.StreamAppend(ctx, "ledger", []byte(p)))
	}

	msgs, err := b.StreamRead(ctx, "ledger", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "trimmed to maxLen")
	assert.Equal(t, "b", string(msgs[0].Payload))

	msgs, err = b.StreamRead(ctx, "ledger", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Payload))

	msgs, err = b.StreamRead(ctx, "ledger", "$", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
