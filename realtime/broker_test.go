package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestBroadcastDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroker()
	go b.Run(ctx)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	b.Broadcast("flow:all", map[string]string{"sym": "O:AMD251219C00155000"})

	select {
	case msg := <-sub.Events():
		var envelope struct {
			Event   string            `json:"event"`
			Payload map[string]string `json:"payload"`
		}
		if err := json.Unmarshal(msg, &envelope); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if envelope.Event != "flow:all" {
			t.Errorf("expected flow:all event, got %s", envelope.Event)
		}
		if envelope.Payload["sym"] != "O:AMD251219C00155000" {
			t.Errorf("unexpected payload: %+v", envelope.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestBroadcastFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroker()
	go b.Run(ctx)

	subs := []*Subscriber{b.Subscribe(), b.Subscribe(), b.Subscribe()}
	if b.SubscriberCount() != 3 {
		t.Fatalf("expected 3 subscribers, got %d", b.SubscriberCount())
	}

	b.Broadcast("flow:all", 42)

	for i, sub := range subs {
		select {
		case <-sub.Events():
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d missed the event", i)
		}
	}
}

// A slow subscriber with a full outbox misses events without blocking
// the producer or other subscribers.
func TestSlowSubscriberDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroker()
	go b.Run(ctx)

	slow := b.Subscribe()
	fast := b.Subscribe()

	// live consumer on the fast side; nobody reads the slow outbox
	total := subscriberBuffer * 3
	counted := make(chan int, 1)
	go func() {
		count := 0
		deadline := time.After(2 * time.Second)
		for count < total {
			select {
			case <-fast.Events():
				count++
			case <-deadline:
				counted <- count
				return
			}
		}
		counted <- count
	}()

	for i := 0; i < total; i++ {
		b.Broadcast("flow:all", i)
	}

	received := <-counted
	// the first outbox-full of events is always enqueued for fast
	if received < subscriberBuffer {
		t.Errorf("fast subscriber received only %d events", received)
	}
	if b.Dropped() == 0 {
		t.Error("expected drops recorded for the slow subscriber")
	}
	_ = slow
}

func TestUnsubscribeClosesOutbox(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroker()
	go b.Run(ctx)

	sub := b.Subscribe()
	b.Unsubscribe(sub.ID)

	select {
	case _, open := <-sub.Events():
		if open {
			t.Error("expected closed outbox after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("outbox not closed")
	}

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}
