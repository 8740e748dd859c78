// Package event fans sync outcomes out to interested consumers: the
// threading engine, the search indexer and desktop notification hooks.
// Publishing never blocks the sync path; a slow consumer drops events
// rather than stalling a sync cycle.
package event

import (
	gosync "sync"

	"github.com/rs/zerolog"

	"github.com/mailden/mailden/internal/model"
)

// Kind identifies what happened to a message.
type Kind int

const (
	// MessageStored fires after a new message is persisted.
	MessageStored Kind = iota
	// MessageRemoved fires after a cached message is deleted, either
	// by a server-side removal or a mailbox invalidation purge.
	MessageRemoved
	// MessageFlagged fires after a remote flag change is applied.
	MessageFlagged
	// NewUnread fires for a stored message that arrived unseen; it is
	// the notification hook for the UI layer.
	NewUnread
)

func (k Kind) String() string {
	switch k {
	case MessageStored:
		return "stored"
	case MessageRemoved:
		return "removed"
	case MessageFlagged:
		return "flagged"
	case NewUnread:
		return "new-unread"
	default:
		return "unknown"
	}
}

// Event carries one message-level change. Message is populated for
// MessageStored and NewUnread; removals and flag changes carry only
// the local ID.
type Event struct {
	Kind      Kind
	AccountID string
	MessageID string
	Message   *model.Message
}

// Hub is a bounded fan-out bus. Each subscriber gets its own buffered
// channel; when a buffer is full the event is dropped for that
// subscriber and counted, never blocking the publisher.
type Hub struct {
	mu      gosync.Mutex
	subs    []*subscriber
	log     zerolog.Logger
	closed  bool
	dropped uint64
}

type subscriber struct {
	name string
	ch   chan Event
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log.With().Str("component", "event-hub").Logger()}
}

// Subscribe registers a named consumer with the given buffer size and
// returns its receive channel. The channel is closed by Close.
func (h *Hub) Subscribe(name string, buffer int) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{name: name, ch: make(chan Event, buffer)}
	h.subs = append(h.subs, sub)
	return sub.ch
}

// Publish delivers the event to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped++
			h.log.Warn().
				Str("subscriber", sub.name).
				Str("kind", ev.Kind.String()).
				Str("message_id", ev.MessageID).
				Msg("event dropped, subscriber buffer full")
		}
	}
}

// Dropped reports how many events were discarded because a subscriber
// buffer was full.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.subs {
		close(sub.ch)
	}
}
