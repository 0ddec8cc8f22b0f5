package events

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus(nil)

	var received *Event
	var callCount int

	handler := func(event *Event) error {
		received = event
		callCount++
		return nil
	}

	bus.Subscribe(EventRunFinished, handler)

	err := bus.PublishJSON(EventRunFinished, RunPayload{TenantID: "t1", Status: "partial", Failed: 2})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}

	if received.Type != EventRunFinished {
		t.Errorf("expected type %s, got %s", EventRunFinished, received.Type)
	}
	if received.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	var decoded RunPayload
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}

	if decoded.TenantID != "t1" || decoded.Failed != 2 {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	var count1, count2 int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: "event"})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusHandlerErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	bus := NewEventBus(&logger)

	var second bool
	bus.Subscribe(EventRetryDeadLettered, func(_ *Event) error { return errors.New("telegram down") })
	bus.Subscribe(EventRetryDeadLettered, func(_ *Event) error { second = true; return nil })

	if err := bus.PublishJSON(EventRetryDeadLettered, DeadLetterPayload{EntityID: "W1"}); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}
	if !second {
		t.Errorf("second handler must still run")
	}
	if !strings.Contains(buf.String(), "telegram down") {
		t.Errorf("expected handler error in log, got %q", buf.String())
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	// Should not panic
	bus.Publish(&Event{Type: "unknown"})
	err := bus.PublishJSON("unknown", nil)
	if err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON(EventRunStarted, RunPayload{}); err != nil {
		t.Errorf("nil bus must be a no-op, got %v", err)
	}
}
