package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/plant-curator/internal/logger"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("event not received within timeout")
		return Event{}
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	bus := NewEventBus(10, nil)
	defer bus.Close()

	ch := bus.Subscribe(EventTypeStageCompleted)
	bus.Publish(Event{Type: EventTypeStageCompleted, Source: "pipeline", Data: map[string]interface{}{"stage": "quality"}})

	ev := receive(t, ch)
	assert.Equal(t, EventTypeStageCompleted, ev.Type)
	assert.Equal(t, "quality", ev.Data["stage"])
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEventBus_SubscribeAllSeesLaterTypes(t *testing.T) {
	bus := NewEventBus(10, nil)
	defer bus.Close()

	all := bus.SubscribeAll()

	bus.Publish(Event{Type: EventTypeRunStarted})
	bus.Publish(Event{Type: EventTypeValidationProgress})

	assert.Equal(t, EventTypeRunStarted, receive(t, all).Type)
	assert.Equal(t, EventTypeValidationProgress, receive(t, all).Type)
}

func TestEventBus_PublishDoesNotBlock(t *testing.T) {
	bus := NewEventBus(1, nil)
	defer bus.Close()

	ch := bus.Subscribe(EventTypeRunStarted)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(Event{Type: EventTypeRunStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestEventBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewEventBus(10, nil)

	ch := bus.Subscribe(EventTypeRunFailed)
	bus.Unsubscribe(EventTypeRunFailed, ch)
	_, ok := <-ch
	assert.False(t, ok)

	all := bus.SubscribeAll()
	typed := bus.Subscribe(EventTypeRunCompleted)
	bus.Close()
	bus.Close()

	_, ok = <-all
	assert.False(t, ok)
	_, ok = <-typed
	assert.False(t, ok)

	late := bus.Subscribe(EventTypeRunCompleted)
	_, ok = <-late
	assert.False(t, ok)
}

func TestEventBus_SubscribeWithHandler(t *testing.T) {
	bus := NewEventBus(10, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	bus.SubscribeWithHandler(ctx, EventTypeRunCompleted, func(ctx context.Context, ev Event) error {
		got <- ev.Data["run_id"].(string)
		return nil
	})

	// the handler goroutine subscribes synchronously, so the publish is seen
	bus.Publish(Event{Type: EventTypeRunCompleted, Data: map[string]interface{}{"run_id": "run_1"}})

	select {
	case id := <-got:
		assert.Equal(t, "run_1", id)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestLogEvents_StopsOnCancel(t *testing.T) {
	bus := NewEventBus(10, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := LogEvents(ctx, bus, logger.NewNopLogger())

	bus.Publish(Event{Type: EventTypeStageStarted, Source: "pipeline", Data: map[string]interface{}{"stage": "ingest"}})
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer did not stop")
	}
}

func TestFields_SortedKeys(t *testing.T) {
	f := fields(Event{Source: "s", Data: map[string]interface{}{"b": 2, "a": 1}})
	require.Len(t, f, 6)
	assert.Equal(t, []interface{}{"source", "s", "a", 1, "b", 2}, f)
}
