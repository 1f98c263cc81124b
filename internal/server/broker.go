package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashita-ai/denwa/internal/storage"
)

// CallFeed delivers call lifecycle notifications until ctx ends.
// *storage.DB implements it over LISTEN/NOTIFY.
type CallFeed interface {
	SubscribeCalls(ctx context.Context, fn func(storage.CallNotification)) error
}

// Broker fans call lifecycle notifications out to SSE subscribers.
type Broker struct {
	feed   CallFeed
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a broker over feed. Call Start to begin relaying.
func NewBroker(feed CallFeed, logger *slog.Logger) *Broker {
	return &Broker{
		feed:        feed,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start relays notifications until ctx is cancelled. It blocks.
func (b *Broker) Start(ctx context.Context) error {
	b.logger.Info("broker: listening for call notifications", "channel", storage.ChannelCalls)
	return b.feed.SubscribeCalls(ctx, b.publish)
}

func (b *Broker) publish(n storage.CallNotification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	b.broadcast(formatSSE(string(n.Status), string(data)))
}

// Subscribe returns a channel of SSE-formatted events. The caller must
// call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Subscribers returns the number of connected SSE clients.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast drops the event for subscribers whose buffer is full so one
// slow client cannot stall the rest.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
