package hub

import (
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 64

// Event kinds published by the hub as the catalog changes.
const (
	EventPageConnected    = "page_connected"
	EventPageDisconnected = "page_disconnected"
	EventToolsChanged     = "tools_changed"
)

// Event describes one catalog change.
type Event struct {
	Kind      string   `json:"kind"`
	PageIndex int      `json:"page_index"`
	ToolIDs   []string `json:"tool_ids,omitempty"`
}

// Broker fans out catalog events to subscribers (SSE clients). Publishing is
// non-blocking; slow consumers have events dropped.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

// NewBroker creates an empty event broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[int64]chan Event)}
}

// Subscribe registers a new consumer and returns its ID and receive channel.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber that can keep up.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
