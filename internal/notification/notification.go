// Package notification bridges engine events to outbound channels.
// Delivery is best effort: a failed send is logged and dropped, never
// retried into the trading path.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/events"
	"whale-copy-trader/internal/exchange"
)

// Sender delivers one rendered message to a channel
type Sender interface {
	Name() string
	Send(ctx context.Context, title, body string, event events.Event) error
}

// Manager subscribes to the event bus and fans rendered messages out to
// the configured senders
type Manager struct {
	senders []Sender
	cfg     config.NotificationConfig
	logger  zerolog.Logger
}

func NewManager(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "notification").Logger(),
	}
	if !cfg.Enabled {
		return m
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		m.senders = append(m.senders, newTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		m.senders = append(m.senders, newWebhookSender(cfg.WebhookURL))
	}
	return m
}

// Attach subscribes the manager to the user-facing event types
func (m *Manager) Attach(bus *events.EventBus) {
	if len(m.senders) == 0 {
		return
	}
	for _, t := range []events.EventType{
		events.EventTradeExecuted,
		events.EventTradeFailed,
		events.EventTradeNeedsReconciliation,
		events.EventPositionOpened,
		events.EventPositionClosed,
		events.EventPositionLiquidated,
		events.EventStopLossTriggered,
		events.EventTakeProfitTriggered,
	} {
		bus.Subscribe(t, m.handle)
	}
	m.logger.Info().Int("senders", len(m.senders)).Msg("Notification channels attached")
}

func (m *Manager) handle(event events.Event) {
	title, body, ok := render(event)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range m.senders {
		if err := s.Send(ctx, title, body, event); err != nil {
			m.logger.Warn().Err(err).
				Str("sender", s.Name()).
				Str("event", string(event.Type)).
				Msg("Notification delivery failed")
		}
	}
}

func render(e events.Event) (title, body string, ok bool) {
	d := e.Data
	switch e.Type {
	case events.EventTradeExecuted:
		return fmt.Sprintf("Trade filled: %v", d["symbol"]),
			fmt.Sprintf("%v %v on %v at %v (qty %v)", d["side"], d["symbol"], d["exchange"], d["executed_price"], d["filled_quantity"]),
			true
	case events.EventTradeFailed:
		return fmt.Sprintf("Trade failed: %v", d["symbol"]),
			fmt.Sprintf("%v", d["reason"]),
			true
	case events.EventTradeNeedsReconciliation:
		return "Trade needs reconciliation",
			fmt.Sprintf("trade %v for user %v, venue order %q", d["trade_id"], d["user_id"], d["exchange_order_id"]),
			true
	case events.EventPositionOpened:
		return fmt.Sprintf("Position opened: %v", d["symbol"]),
			fmt.Sprintf("%v %v at %v", d["side"], d["quantity"], d["entry_price"]),
			true
	case events.EventPositionClosed:
		return fmt.Sprintf("Position closed: %v", d["symbol"]),
			fmt.Sprintf("exit %v, pnl %v USDT (%v)", d["exit_price"], d["realized_pnl"], d["close_reason"]),
			true
	case events.EventPositionLiquidated:
		return fmt.Sprintf("Position liquidated: %v", d["symbol"]),
			fmt.Sprintf("liquidation price %v, pnl %v USDT", d["liquidation_price"], d["realized_pnl"]),
			true
	case events.EventStopLossTriggered:
		return fmt.Sprintf("Stop loss hit: %v", d["symbol"]),
			fmt.Sprintf("mark %v crossed stop %v", d["mark_price"], d["stop_price"]),
			true
	case events.EventTakeProfitTriggered:
		return fmt.Sprintf("Take profit hit: %v", d["symbol"]),
			fmt.Sprintf("mark %v crossed target %v", d["mark_price"], d["target_price"]),
			true
	}
	return "", "", false
}

type telegramSender struct {
	client *resty.Client
	token  string
	chatID string
}

func newTelegramSender(token, chatID string) *telegramSender {
	return &telegramSender{
		client: exchange.NewHTTPClient("https://api.telegram.org", exchange.DefaultTimeouts(), ""),
		token:  token,
		chatID: chatID,
	}
}

func (t *telegramSender) Name() string { return "telegram" }

func (t *telegramSender) Send(ctx context.Context, title, body string, _ events.Event) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("*%s*\n\n%s", title, body),
			"parse_mode": "Markdown",
		}).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode())
	}
	return nil
}

// webhookSender POSTs the raw event, letting the receiver do its own
// rendering
type webhookSender struct {
	client *resty.Client
	url    string
}

func newWebhookSender(url string) *webhookSender {
	return &webhookSender{
		client: exchange.NewHTTPClient("", exchange.DefaultTimeouts(), ""),
		url:    url,
	}
}

func (w *webhookSender) Name() string { return "webhook" }

func (w *webhookSender) Send(ctx context.Context, title, body string, event events.Event) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"title": title,
			"body":  body,
			"event": event,
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook send failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
