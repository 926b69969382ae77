package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
)

// subscriberBuffer bounds each subscriber's outbox. A full outbox means
// that subscriber misses the event; the producer never waits.
const subscriberBuffer = 64

// Subscriber is one live consumer of the flow stream, identified by an
// opaque connection id. The broker tracks no application-level state.
type Subscriber struct {
	ID  string
	out chan []byte
}

// Events exposes the subscriber's receive channel.
func (s *Subscriber) Events() <-chan []byte { return s.out }

// Broker fans classified events out to live subscribers. Delivery is
// at-most-once per subscriber and non-blocking for the producer.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	broadcast chan []byte
	nextID    atomic.Int64
	dropped   atomic.Int64
}

// NewBroker creates a broadcast hub.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		broadcast:   make(chan []byte, 1000),
	}
}

// Run starts the fan-out loop.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.broadcast:
			b.mu.RLock()
			for _, sub := range b.subscribers {
				select {
				case sub.out <- msg:
				default:
					// slow subscriber: drop this event for them only
					b.dropped.Add(1)
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Subscribe registers a new consumer and returns its handle.
func (b *Broker) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:  "conn-" + strconv.FormatInt(b.nextID.Add(1), 10),
		out: make(chan []byte, subscriberBuffer),
	}
	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	count := len(b.subscribers)
	b.mu.Unlock()
	log.Printf("📡 Subscriber %s connected. Total: %d", sub.ID, count)
	return sub
}

// Unsubscribe removes a consumer and closes its outbox.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.out)
	}
	count := len(b.subscribers)
	b.mu.Unlock()
	log.Printf("📡 Subscriber %s disconnected. Total: %d", id, count)
}

// Broadcast publishes an event to every subscriber. The producer-side
// queue is bounded too; an overflow there drops the event entirely.
func (b *Broker) Broadcast(event string, payload interface{}) {
	data := map[string]interface{}{
		"event":   event,
		"payload": payload,
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		log.Printf("Error marshalling broadcast message: %v", err)
		return
	}

	select {
	case b.broadcast <- jsonBytes:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped: per-subscriber drops
// on a full outbox plus events lost to a full producer-side queue.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

// SubscriberCount returns the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ServeHTTP exposes the hub as an SSE endpoint.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case msg, open := <-sub.out:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
