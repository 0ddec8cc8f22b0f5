// Package events is an in-process bus for sync lifecycle notifications.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventRunStarted        = "run_started"
	EventRunFinished       = "run_finished"
	EventRetryDeadLettered = "retry_dead_lettered"
	EventHealthChecked     = "health_checked"
)

// RunPayload describes one orchestrator run.
type RunPayload struct {
	TenantID            string        `json:"tenant_id"`
	RunID               string        `json:"run_id"`
	SyncType            string        `json:"sync_type"`
	Status              string        `json:"status"`
	WorkflowsProcessed  int           `json:"workflows_processed"`
	ExecutionsProcessed int           `json:"executions_processed"`
	Failed              int           `json:"failed"`
	Duration            time.Duration `json:"duration"`
	Error               string        `json:"error,omitempty"`
}

// DeadLetterPayload describes a retry entry that was given up on.
type DeadLetterPayload struct {
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error"`
}

// HealthPayload is the outcome of a liveness sweep.
type HealthPayload struct {
	Status  string   `json:"status"`
	Checked int      `json:"checked"`
	Passed  int      `json:"passed"`
	Failing []string `json:"failing,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the event payload into out.
func (e *Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

// NewEventBus constructs an empty bus. Handler errors are logged to logger.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: logger}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
		}
	}
}

// PublishJSON serializes the payload and publishes an event. A nil bus is a no-op.
func (b *EventBus) PublishJSON(eventType string, payload any) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
