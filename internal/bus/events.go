// Package bus carries in-process lifecycle notifications between the
// orchestrator and its observers (alerts, metrics, status).
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a lifecycle notification.
type Event struct {
	Type      string         `json:"type"`   // one of the Event* constants
	Source    string         `json:"source"` // originating component
	MeetingID string         `json:"meeting_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Publisher is the emit side of the bus.
type Publisher interface {
	Emit(Event)
}

// EventBus is a topic-based publish/subscribe bus with a bounded history.
// "*" subscribes to every event type.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	nextID     int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 500,
	}
}

// On registers a handler and returns the ID it is logged under.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Emit records the event and calls matching handlers synchronously.
// A panicking handler is logged and does not affect the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns historical events of the given type ("*" for all) since the given time.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// ForMeeting returns the recorded history of a single meeting, oldest first.
func (eb *EventBus) ForMeeting(meetingID string) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.MeetingID == meetingID {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen is the number of events currently retained.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Lifecycle event types.
const (
	EventWebhookReceived    = "webhook.received"
	EventMeetingActivated   = "meeting.activated"
	EventMeetingProcessing  = "meeting.processing"
	EventMeetingCompleted   = "meeting.completed"
	EventAgentJoined        = "agent.joined"
	EventAgentJoinFailed    = "agent.join_failed"
	EventAgentLeft          = "agent.left"
	EventCallEnded          = "call.ended"
	EventArtifactStored     = "artifact.stored"
	EventJobEnqueued        = "job.enqueued"
	EventJobFailed          = "job.failed"
	EventReconcileExhausted = "reconcile.exhausted"
)
