package notification

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/events"
)

type captureSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (c *captureSender) Name() string { return "capture" }

func (c *captureSender) Send(ctx context.Context, title, body string, event events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.titles = append(c.titles, title)
	return nil
}

func TestRenderCoversUserFacingEvents(t *testing.T) {
	tests := []struct {
		event events.Event
		want  string
	}{
		{
			events.Event{Type: events.EventTradeExecuted, Data: map[string]interface{}{
				"symbol": "BTCUSDT", "side": "BUY", "exchange": "binance",
				"executed_price": "65000", "filled_quantity": "0.001",
			}},
			"Trade filled: BTCUSDT",
		},
		{
			events.Event{Type: events.EventPositionClosed, Data: map[string]interface{}{
				"symbol": "ETHUSDT", "exit_price": "3200", "realized_pnl": "12.5", "close_reason": "WHALE_EXIT",
			}},
			"Position closed: ETHUSDT",
		},
		{
			events.Event{Type: events.EventStopLossTriggered, Data: map[string]interface{}{
				"symbol": "SOLUSDT", "mark_price": "140", "stop_price": "141",
			}},
			"Stop loss hit: SOLUSDT",
		},
	}
	for _, tt := range tests {
		title, body, ok := render(tt.event)
		if !ok {
			t.Errorf("%s: render skipped a user-facing event", tt.event.Type)
			continue
		}
		if title != tt.want {
			t.Errorf("%s: title = %q, want %q", tt.event.Type, title, tt.want)
		}
		if body == "" {
			t.Errorf("%s: empty body", tt.event.Type)
		}
	}
}

func TestRenderSkipsInternalEvents(t *testing.T) {
	for _, typ := range []events.EventType{
		events.EventSignalDetected,
		events.EventSignalProcessingStarted,
		events.EventSignalProcessed,
	} {
		if _, _, ok := render(events.Event{Type: typ, Data: map[string]interface{}{}}); ok {
			t.Errorf("%s should not notify users", typ)
		}
	}
}

func TestHandleFansOutToSenders(t *testing.T) {
	m := NewManager(config.NotificationConfig{}, zerolog.Nop())
	a, b := &captureSender{}, &captureSender{}
	m.senders = []Sender{a, b}

	m.handle(events.Event{Type: events.EventTradeFailed, Data: map[string]interface{}{
		"symbol": "BTCUSDT", "reason": "insufficient balance",
	}})

	if len(a.titles) != 1 || len(b.titles) != 1 {
		t.Fatalf("sends = %d/%d, want 1 each", len(a.titles), len(b.titles))
	}
	if !strings.Contains(a.titles[0], "Trade failed") {
		t.Errorf("title = %q", a.titles[0])
	}
}

func TestDisabledManagerBuildsNoSenders(t *testing.T) {
	m := NewManager(config.NotificationConfig{
		Enabled:          false,
		TelegramBotToken: "token",
		TelegramChatID:   "chat",
		WebhookURL:       "https://example.com/hook",
	}, zerolog.Nop())
	if len(m.senders) != 0 {
		t.Fatalf("senders = %d, want 0 when disabled", len(m.senders))
	}
}
