package events

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventType represents the engine events consumed by the notification layer
type EventType string

const (
	EventSignalDetected           EventType = "SIGNAL_DETECTED"
	EventSignalProcessingStarted  EventType = "SIGNAL_PROCESSING_STARTED"
	EventSignalProcessed          EventType = "SIGNAL_PROCESSED"
	EventSignalFailed             EventType = "SIGNAL_FAILED"
	EventTradeExecuted            EventType = "TRADE_EXECUTED"
	EventTradeFailed              EventType = "TRADE_FAILED"
	EventTradeNeedsReconciliation EventType = "TRADE_NEEDS_RECONCILIATION"
	EventPositionOpened           EventType = "POSITION_OPENED"
	EventPositionClosed           EventType = "POSITION_CLOSED"
	EventPositionLiquidated       EventType = "POSITION_LIQUIDATED"
	EventStopLossTriggered        EventType = "STOP_LOSS_TRIGGERED"
	EventTakeProfitTriggered      EventType = "TAKE_PROFIT_TRIGGERED"
)

// Event is an immutable, timestamped record carrying the aggregate id
// and a semantic payload.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery is best-effort and
// asynchronous; a slow subscriber never blocks the engine.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignalDetected publishes a signal detection event
func (eb *EventBus) PublishSignalDetected(signalID, whaleID int64, symbol, side, tradeType string, sizeUSD decimal.Decimal) {
	eb.Publish(Event{
		Type: EventSignalDetected,
		Data: map[string]interface{}{
			"signal_id":  signalID,
			"whale_id":   whaleID,
			"symbol":     symbol,
			"side":       side,
			"trade_type": tradeType,
			"size_usd":   sizeUSD.String(),
		},
	})
}

// PublishSignalProcessingStarted publishes a processing-start event
func (eb *EventBus) PublishSignalProcessingStarted(signalID int64) {
	eb.Publish(Event{
		Type: EventSignalProcessingStarted,
		Data: map[string]interface{}{"signal_id": signalID},
	})
}

// PublishSignalProcessed publishes a terminal success event for a signal
func (eb *EventBus) PublishSignalProcessed(signalID int64, tradesExecuted int) {
	eb.Publish(Event{
		Type: EventSignalProcessed,
		Data: map[string]interface{}{
			"signal_id":       signalID,
			"trades_executed": tradesExecuted,
		},
	})
}

// PublishSignalFailed publishes a terminal failure event for a signal
func (eb *EventBus) PublishSignalFailed(signalID int64, reason string) {
	eb.Publish(Event{
		Type: EventSignalFailed,
		Data: map[string]interface{}{
			"signal_id": signalID,
			"reason":    reason,
		},
	})
}

// PublishTradeExecuted publishes a filled trade event
func (eb *EventBus) PublishTradeExecuted(tradeID, userID int64, exchange, symbol, side string, executedPrice, filledQty decimal.Decimal) {
	eb.Publish(Event{
		Type: EventTradeExecuted,
		Data: map[string]interface{}{
			"trade_id":        tradeID,
			"user_id":         userID,
			"exchange":        exchange,
			"symbol":          symbol,
			"side":            side,
			"executed_price":  executedPrice.String(),
			"filled_quantity": filledQty.String(),
		},
	})
}

// PublishTradeFailed publishes a failed trade event
func (eb *EventBus) PublishTradeFailed(tradeID, userID int64, symbol, reason string) {
	eb.Publish(Event{
		Type: EventTradeFailed,
		Data: map[string]interface{}{
			"trade_id": tradeID,
			"user_id":  userID,
			"symbol":   symbol,
			"reason":   reason,
		},
	})
}

// PublishTradeNeedsReconciliation publishes an operator alert for a trade
// stranded between the exchange call and the local commit.
func (eb *EventBus) PublishTradeNeedsReconciliation(tradeID, userID int64, exchangeOrderID string) {
	eb.Publish(Event{
		Type: EventTradeNeedsReconciliation,
		Data: map[string]interface{}{
			"trade_id":          tradeID,
			"user_id":           userID,
			"exchange_order_id": exchangeOrderID,
		},
	})
}

// PublishPositionOpened publishes a position-open event
func (eb *EventBus) PublishPositionOpened(positionID, userID int64, symbol, side string, entryPrice, quantity decimal.Decimal) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"position_id": positionID,
			"user_id":     userID,
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice.String(),
			"quantity":    quantity.String(),
		},
	})
}

// PublishPositionClosed publishes a position-close event
func (eb *EventBus) PublishPositionClosed(positionID, userID int64, symbol, closeReason string, exitPrice, realizedPnL decimal.Decimal) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"position_id":  positionID,
			"user_id":      userID,
			"symbol":       symbol,
			"close_reason": closeReason,
			"exit_price":   exitPrice.String(),
			"realized_pnl": realizedPnL.String(),
		},
	})
}

// PublishPositionLiquidated publishes a liquidation event
func (eb *EventBus) PublishPositionLiquidated(positionID, userID int64, symbol string, liquidationPrice, realizedPnL decimal.Decimal) {
	eb.Publish(Event{
		Type: EventPositionLiquidated,
		Data: map[string]interface{}{
			"position_id":       positionID,
			"user_id":           userID,
			"symbol":            symbol,
			"liquidation_price": liquidationPrice.String(),
			"realized_pnl":      realizedPnL.String(),
		},
	})
}

// PublishStopLossTriggered publishes a stop-loss trigger observation
func (eb *EventBus) PublishStopLossTriggered(positionID, userID int64, symbol string, markPrice, stopPrice decimal.Decimal) {
	eb.Publish(Event{
		Type: EventStopLossTriggered,
		Data: map[string]interface{}{
			"position_id": positionID,
			"user_id":     userID,
			"symbol":      symbol,
			"mark_price":  markPrice.String(),
			"stop_price":  stopPrice.String(),
		},
	})
}

// PublishTakeProfitTriggered publishes a take-profit trigger observation
func (eb *EventBus) PublishTakeProfitTriggered(positionID, userID int64, symbol string, markPrice, targetPrice decimal.Decimal) {
	eb.Publish(Event{
		Type: EventTakeProfitTriggered,
		Data: map[string]interface{}{
			"position_id":  positionID,
			"user_id":      userID,
			"symbol":       symbol,
			"mark_price":   markPrice.String(),
			"target_price": targetPrice.String(),
		},
	})
}
