package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(EventStateChange, StateChange{TenantID: "1", Claimed: true})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.Name != EventStateChange {
				t.Errorf("%s: unexpected event name %q", name, evt.Name)
			}
			if evt.ID == "" {
				t.Errorf("%s: event missing id", name)
			}
			payload, ok := evt.Payload.(StateChange)
			if !ok || payload.TenantID != "1" || !payload.Claimed {
				t.Errorf("%s: unexpected payload %+v", name, evt.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: event not delivered", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventNewMessage, Message{Body: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)

	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("expected 0 subscribers, got %d", got)
	}

	// Publishing after cancel must not panic.
	bus.Publish(EventSessionOnline, SessionEvent{TenantID: "1"})
}
