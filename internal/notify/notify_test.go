package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error

	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, title+"|"+message)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"exposure_alert", " ledger_settled"}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), "order_filled", "t", "filtered"))
	require.NoError(t, n.Notify(context.Background(), "ledger_settled", "t", "kept"))
	assert.Equal(t, []string{"t|kept"}, s.messages())
}

func TestNotifyWithoutFilterPassesEverything(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, quietLogger())

	require.NoError(t, n.Notify(context.Background(), "anything", "t", "m"))
	assert.Len(t, s.messages(), 1)
}

func TestDispatchContinuesPastFailingSender(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.messages(), 1)
}

func TestAlertDeliversInBackgroundWithTitle(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"exposure_alert"}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	n.Alert(ctx, "exposure_alert", "set halted")
	cancel()
	n.Alert(context.Background(), "order_filled", "filtered")
	n.Wait()

	assert.Equal(t, []string{"Exposure alert|set halted"}, s.messages())
}

func TestTelegramSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramSender("TOKEN", "42")
	tg.apiBase = srv.URL
	require.NoError(t, tg.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSendReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "Title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "slow down")
}

func TestDispatchRetriesTransientStatus(t *testing.T) {
	var calls int
	var got discordMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier([]Sender{NewDiscordSender(srv.URL)}, nil, quietLogger())
	require.NoError(t, n.NotifyAll(context.Background(), "Order filled", "leg 0 filled"))
	assert.Equal(t, 2, calls)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Order filled", got.Embeds[0].Title)
	assert.Equal(t, "leg 0 filled", got.Embeds[0].Description)
}

func TestTelegramEscapesMarkdown(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	tg := NewTelegramSender("TOKEN", "42")
	tg.apiBase = srv.URL
	require.NoError(t, tg.Send(context.Background(), "Exposure alert", "set 1700000000:complementary:BTC_UP"))
	assert.Equal(t, "*Exposure alert*\nset 1700000000:complementary:BTC\\_UP", got["text"])
}
