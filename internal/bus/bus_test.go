package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("conn.", 10)
	defer sub.Stop()

	b.Publish(Now(KindConnStatusChanged, "test"))

	select {
	case evt := <-sub.C:
		if evt.Kind != KindConnStatusChanged {
			t.Errorf("got kind %q, want %q", evt.Kind, KindConnStatusChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("outbox.", 10)
	defer sub.Stop()

	b.Publish(Now(KindConnStatusChanged, nil))
	b.Publish(Now(KindOutboxSent, nil))

	select {
	case evt := <-sub.C:
		if evt.Kind != KindOutboxSent {
			t.Errorf("got kind %q, want %q", evt.Kind, KindOutboxSent)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-sub.C:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStop(t *testing.T) {
	b := New()
	sub := b.Subscribe("conn.", 10)
	sub.Stop()
	sub.Stop() // idempotent

	b.Publish(Now(KindConnStatusChanged, nil))

	select {
	case evt := <-sub.C:
		t.Errorf("received event after Stop: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	sub := b.Subscribe("push.", 1)
	defer sub.Stop()

	b.Publish(Now(KindPushNewMessage, 1))
	// Buffer is full; this one is dropped rather than blocking.
	b.Publish(Now(KindPushNewMessage, 2))

	evt := <-sub.C
	if evt.Payload.(int) != 1 {
		t.Errorf("got payload %v, want 1", evt.Payload)
	}
}
