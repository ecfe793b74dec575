package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/store/memory"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubRelaysBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memory.NewBus(0)
	hub := NewHub(bus, func() any { return map[string]any{"running": true} }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)

	srv := httptest.NewServer(httptestHandler(hub))
	defer srv.Close()
	conn := dial(t, srv)

	status := readEnvelope(t, conn)
	assert.Equal(t, "status", status.Channel)
	assert.JSONEq(t, `{"running":true}`, string(status.Data))

	// The hub subscribes asynchronously; publish until the frame arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_ = bus.Publish(ctx, domain.ChannelOrders, []byte(`{"id":"ord-1"}`))
				_ = bus.Publish(ctx, "unrelated", []byte(`{"id":"x"}`))
			}
		}
	}()

	env := readEnvelope(t, conn)
	assert.Equal(t, domain.ChannelOrders, env.Channel)
	assert.JSONEq(t, `{"id":"ord-1"}`, string(env.Data))
}

func TestClientSubscriptionChanges(t *testing.T) {
	c := &client{subs: map[string]bool{domain.ChannelOrders: true}}

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelOrders}})
	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{" ledger "}})

	assert.False(t, c.isSubscribed(domain.ChannelOrders))
	assert.True(t, c.isSubscribed(domain.ChannelLedger))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{"*"}})
	assert.True(t, c.isSubscribed(domain.ChannelEngine))
}

func httptestHandler(h *Hub) http.Handler {
	return http.HandlerFunc(h.HandleWS)
}
