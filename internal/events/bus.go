package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalReceived   EventType = "SIGNAL_RECEIVED"
	EventSignalProcessed  EventType = "SIGNAL_PROCESSED"
	EventSignalRejected   EventType = "SIGNAL_REJECTED"
	EventSignalDuplicate  EventType = "SIGNAL_DUPLICATE"
	EventPositionOpened   EventType = "POSITION_OPENED"
	EventPositionClosed   EventType = "POSITION_CLOSED"
	EventPyramidAdded     EventType = "PYRAMID_ADDED"
	EventStopUpdated      EventType = "STOP_UPDATED"
	EventStopHit          EventType = "STOP_HIT"
	EventOrderPlaced      EventType = "ORDER_PLACED"
	EventOrderFilled      EventType = "ORDER_FILLED"
	EventOrderFailed      EventType = "ORDER_FAILED"
	EventPartialFill      EventType = "PARTIAL_FILL"
	EventRolloverStarted  EventType = "ROLLOVER_STARTED"
	EventRolloverComplete EventType = "ROLLOVER_COMPLETE"
	EventRolloverFailed   EventType = "ROLLOVER_FAILED"
	EventEODWindowEntered EventType = "EOD_WINDOW_ENTERED"
	EventTradingPaused    EventType = "TRADING_PAUSED"
	EventTradingResumed   EventType = "TRADING_RESUMED"
	EventLeaderAcquired   EventType = "LEADER_ACQUIRED"
	EventLeaderLost       EventType = "LEADER_LOST"
	EventEquityUpdated    EventType = "EQUITY_UPDATED"
	EventError            EventType = "ERROR"
)

// Event represents a system event
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

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(positionID, instrument, layer string, lots int, entryPrice, stop float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"position_id": positionID,
			"instrument":  instrument,
			"layer":       layer,
			"lots":        lots,
			"entry_price": entryPrice,
			"stop":        stop,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(positionID, reason string, exitPrice, realizedPnL float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"position_id":  positionID,
			"reason":       reason,
			"exit_price":   exitPrice,
			"realized_pnl": realizedPnL,
		},
	})
}

// PublishStopUpdated publishes a trailing stop update event
func (eb *EventBus) PublishStopUpdated(positionID string, oldStop, newStop, highestClose float64) {
	eb.Publish(Event{
		Type: EventStopUpdated,
		Data: map[string]interface{}{
			"position_id":   positionID,
			"old_stop":      oldStop,
			"new_stop":      newStop,
			"highest_close": highestClose,
		},
	})
}

// PublishOutcome publishes a signal processing outcome
func (eb *EventBus) PublishOutcome(eventType EventType, fingerprint, instrument, kind, outcome, reason string) {
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"fingerprint": fingerprint,
			"instrument":  instrument,
			"kind":        kind,
			"outcome":     outcome,
			"reason":      reason,
		},
	})
}
