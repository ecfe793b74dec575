package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TopOfBookHandler is called whenever the best bid or ask of an asset may
// have changed.
type TopOfBookHandler func(TopOfBook)

// levelBook is the locally maintained depth of one asset, keyed by price
// string.
type levelBook struct {
	market string
	bids   map[string]string
	asks   map[string]string
}

func (b *levelBook) top(assetID string, ts time.Time) TopOfBook {
	toLevels := func(m map[string]string) []WSPriceLevel {
		out := make([]WSPriceLevel, 0, len(m))
		for p, s := range m {
			out = append(out, WSPriceLevel{Price: p, Size: s})
		}
		return out
	}
	return bookTop(b.market, assetID, toLevels(b.bids), toLevels(b.asks), ts)
}

// WSClient is a WebSocket client for the Polymarket CLOB market channel. It
// keeps a level book per subscribed asset from book snapshots and
// price_change deltas, and reconnects with backoff.
type WSClient struct {
	wsURL  string
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
	assets []string

	booksMu sync.Mutex
	books   map[string]*levelBook

	handlerMu sync.RWMutex
	handlers  []TopOfBookHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a client for the market channel under wsHost, e.g.
// "wss://ws-subscriptions-clob.polymarket.com".
func NewWSClient(wsHost string, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:  strings.TrimRight(wsHost, "/") + "/ws/market",
		logger: logger.With(slog.String("component", "polymarket_ws")),
		now:    time.Now,
		books:  make(map[string]*levelBook),
		done:   make(chan struct{}),
	}
}

// OnTopOfBook registers a handler for top of book updates.
func (w *WSClient) OnTopOfBook(handler TopOfBookHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Connect dials the market channel and subscribes to the current assets.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return domain.Transient("polymarket/ws: connect", err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop(conn)
	go w.pingLoop(conn)

	if len(w.assets) > 0 {
		if err := w.send(WSCommand{Type: "market", AssetIDs: w.assets}); err != nil {
			return fmt.Errorf("polymarket/ws: restore subscription: %w", err)
		}
	}
	return nil
}

// SetAssets replaces the subscribed asset set. Books of dropped assets are
// discarded. Before Connect the set is only recorded.
func (w *WSClient) SetAssets(assetIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	keep := make(map[string]bool, len(assetIDs))
	var added []string
	for _, a := range assetIDs {
		keep[a] = true
	}
	old := make(map[string]bool, len(w.assets))
	var removed []string
	for _, a := range w.assets {
		old[a] = true
		if !keep[a] {
			removed = append(removed, a)
		}
	}
	for _, a := range assetIDs {
		if !old[a] {
			added = append(added, a)
		}
	}
	w.assets = append([]string(nil), assetIDs...)

	w.booksMu.Lock()
	for a := range w.books {
		if !keep[a] {
			delete(w.books, a)
		}
	}
	w.booksMu.Unlock()

	if w.conn == nil {
		return nil
	}
	if len(removed) > 0 {
		if err := w.send(WSCommand{Operation: "unsubscribe", AssetIDs: removed}); err != nil {
			return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
		}
	}
	if len(added) > 0 {
		if err := w.send(WSCommand{Operation: "subscribe", AssetIDs: added}); err != nil {
			return fmt.Errorf("polymarket/ws: subscribe: %w", err)
		}
	}
	return nil
}

// Close shuts down the WebSocket connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// send writes a JSON command. Caller must hold w.mu.
func (w *WSClient) send(cmd WSCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches messages of conn until it fails, then reconnects.
func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Warn("market channel read failed, reconnecting", slog.String("error", err.Error()))
			w.reconnect()
			return
		}
		w.handleMessage(message)
	}
}

// pingLoop keeps conn alive until it is replaced or the client closes.
func (w *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.conn != conn {
				w.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage applies one frame. The server sends either a single event
// object or an array of them.
func (w *WSClient) handleMessage(raw []byte) {
	var events []json.RawMessage
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			return
		}
	} else {
		events = []json.RawMessage{raw}
	}

	for _, ev := range events {
		var envelope struct {
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal(ev, &envelope); err != nil {
			continue
		}
		switch envelope.EventType {
		case "book":
			var book BookMessage
			if err := json.Unmarshal(ev, &book); err != nil {
				continue
			}
			w.applyBook(book)
		case "price_change":
			var pc PriceChangeMessage
			if err := json.Unmarshal(ev, &pc); err != nil {
				continue
			}
			w.applyPriceChange(pc)
		}
	}
}

func (w *WSClient) applyBook(b BookMessage) {
	lb := &levelBook{market: b.Market, bids: make(map[string]string), asks: make(map[string]string)}
	for _, l := range b.Bids {
		lb.bids[normPrice(l.Price)] = l.Size
	}
	for _, l := range b.Asks {
		lb.asks[normPrice(l.Price)] = l.Size
	}
	ts := parseTimestamp(b.Timestamp, w.now())

	w.booksMu.Lock()
	w.books[b.AssetID] = lb
	top := lb.top(b.AssetID, ts)
	w.booksMu.Unlock()
	w.emit(top)
}

func (w *WSClient) applyPriceChange(pc PriceChangeMessage) {
	ts := parseTimestamp(pc.Timestamp, w.now())
	var tops []TopOfBook

	w.booksMu.Lock()
	touched := make(map[string]bool)
	for _, ch := range pc.PriceChanges {
		lb, ok := w.books[ch.AssetID]
		if !ok {
			// Deltas before the first snapshot cannot be applied.
			continue
		}
		side := lb.bids
		if strings.EqualFold(ch.Side, "SELL") {
			side = lb.asks
		}
		p := normPrice(ch.Price)
		if s, err := decimal.NewFromString(ch.Size); err != nil || !s.IsPositive() {
			delete(side, p)
		} else {
			side[p] = ch.Size
		}
		touched[ch.AssetID] = true
	}
	for asset := range touched {
		tops = append(tops, w.books[asset].top(asset, ts))
	}
	w.booksMu.Unlock()

	for _, t := range tops {
		w.emit(t)
	}
}

func (w *WSClient) emit(top TopOfBook) {
	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(top)
	}
}

// normPrice makes "0.50" and "0.5" the same level key.
func normPrice(p string) string {
	d, err := decimal.NewFromString(p)
	if err != nil {
		return p
	}
	return d.String()
}

// reconnect re-establishes the connection with exponential backoff. It
// blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	w.booksMu.Lock()
	w.books = make(map[string]*levelBook)
	w.booksMu.Unlock()

	delay := reconnectDelay
	for {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			w.logger.Info("market channel reconnected")
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
