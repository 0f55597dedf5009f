package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"futures-risk-engine/internal/events"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []*Notification
	err  error
}

func (c *captureNotifier) Send(_ context.Context, n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return c.err
}

func (c *captureNotifier) Name() string   { return "capture" }
func (c *captureNotifier) IsEnabled() bool { return true }

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestFromEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    events.Event
		want     bool
		severity Severity
		title    string
		field    string
	}{
		{
			name: "partial replace is critical",
			event: events.Event{Type: events.EventProtectivePartialReplace, Data: map[string]interface{}{
				"symbol": "BTCUSDT", "side": "LONG", "kind": "STOP", "new_order_id": "algo-2", "stale_order_id": "algo-1",
			}},
			want: true, severity: SeverityCritical, title: "Duplicate protective orders on BTCUSDT LONG", field: "stale_order_id",
		},
		{
			name: "protection failure is critical",
			event: events.Event{Type: events.EventProtectionFailed, Data: map[string]interface{}{
				"symbol": "ETHUSDT", "direction": "SHORT", "protection_error": "gateway down",
			}},
			want: true, severity: SeverityCritical, title: "UNPROTECTED position on ETHUSDT SHORT", field: "protection_error",
		},
		{
			name: "crossover",
			event: events.Event{Type: events.EventCrossover, Data: map[string]interface{}{
				"symbol": "BTCUSDT", "from": "BEARISH", "to": "BULLISH", "price": "100",
			}},
			want: true, severity: SeverityInfo, title: "BTCUSDT trend BEARISH -> BULLISH", field: "price",
		},
		{
			name:  "evaluations are not announced",
			event: events.Event{Type: events.EventSignalEvaluated, Data: map[string]interface{}{"symbol": "BTCUSDT"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := FromEvent(tt.event)
			require.Equal(t, tt.want, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.severity, n.Severity)
			assert.Equal(t, tt.title, n.Title)
			assert.Contains(t, n.Fields, tt.field)
			assert.False(t, n.Timestamp.IsZero())
			assert.Contains(t, n.Text(), tt.title)
		})
	}
}

func TestManager_SeverityFilterAndErrors(t *testing.T) {
	m := NewManager(SeverityWarning, zerolog.Nop())
	ok := &captureNotifier{}
	failing := &captureNotifier{err: errors.New("boom")}
	m.AddNotifier(ok)
	m.AddNotifier(failing)
	assert.True(t, m.Enabled())

	require.NoError(t, m.Send(context.Background(), &Notification{Severity: SeverityInfo, Title: "quiet"}))
	assert.Equal(t, 0, ok.count())

	err := m.Send(context.Background(), &Notification{Severity: SeverityCritical, Title: "loud"})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, ok.count(), "one failing provider does not stop the others")
}

func TestManager_SubscribeForwardsBusEvents(t *testing.T) {
	bus := events.NewEventBus()
	m := NewManager(SeverityInfo, zerolog.Nop())
	c := &captureNotifier{}
	m.AddNotifier(c)
	m.Subscribe(bus)

	bus.Publish(events.Event{Type: events.EventSignalEvaluated, Data: map[string]interface{}{"symbol": "BTCUSDT"}})
	bus.Publish(events.Event{Type: events.EventScanDegraded, Data: map[string]interface{}{"symbol": "BTCUSDT", "error": "timeout"}})

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, events.EventScanDegraded, c.sent[0].Event)
}

func TestDiscordNotifier_Send(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true})
	require.True(t, d.IsEnabled())
	err := d.Send(context.Background(), &Notification{
		Severity:  SeverityCritical,
		Title:     "Duplicate protective orders",
		Symbol:    "BTCUSDT",
		Fields:    map[string]string{"stale_order_id": "algo-1"},
		Timestamp: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, 0xFF0000, got.Embeds[0].Color)
	assert.Equal(t, "2026-10-16T12:00:00Z", got.Embeds[0].Timestamp)
	require.Len(t, got.Embeds[0].Fields, 2)
	assert.Equal(t, "Symbol", got.Embeds[0].Fields[0].Name)

	assert.False(t, NewDiscordNotifier(DiscordConfig{Enabled: true}).IsEnabled())
}

func TestTelegramNotifier_Send(t *testing.T) {
	var text, chatID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"fre","username":"fre_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			assert.NoError(t, r.ParseForm())
			text, chatID = r.PostForm.Get("text"), r.PostForm.Get("chat_id")
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":42,"type":"private"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	tg, err := NewTelegramNotifier(TelegramConfig{
		BotToken: "123:abc", ChatID: 42, Enabled: true, APIEndpoint: srv.URL + "/bot%s/%s",
	})
	require.NoError(t, err)
	require.True(t, tg.IsEnabled())

	require.NoError(t, tg.Send(context.Background(), &Notification{Severity: SeverityWarning, Title: "Scan degraded on BTCUSDT"}))
	assert.Equal(t, "42", chatID)
	assert.Contains(t, text, "Scan degraded on BTCUSDT")

	disabled, err := NewTelegramNotifier(TelegramConfig{Enabled: true})
	require.NoError(t, err)
	assert.False(t, disabled.IsEnabled())
}
