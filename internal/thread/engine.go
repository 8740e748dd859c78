// Package thread groups messages into conversations by walking the
// Message-ID, In-Reply-To and References headers. The engine keeps a
// union-find forest over message identifiers; two messages share a
// conversation exactly when their identifier sets are connected.
package thread

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mailden/mailden/internal/model"
	"github.com/mailden/mailden/internal/store"
)

// convStore is the slice of the store the engine writes through.
type convStore interface {
	SetConversation(ctx context.Context, messageID, conversationID string) error
	RelabelConversation(ctx context.Context, oldID, newID string) error
}

// Engine assigns conversation IDs incrementally. It is safe for
// concurrent use; Add serializes internally.
type Engine struct {
	mu    gosync.Mutex
	store convStore
	log   zerolog.Logger

	// parent is the union-find forest over normalized identifiers.
	// A key maps to itself when it is a root.
	parent map[string]string
	// conv maps a root to its conversation ID. Placeholder subtrees
	// (identifiers only ever seen in References) have no entry until
	// a real message lands in them.
	conv map[string]string
}

// NewEngine creates an empty engine.
func NewEngine(st convStore, log zerolog.Logger) *Engine {
	return &Engine{
		store:  st,
		log:    log.With().Str("component", "thread").Logger(),
		parent: make(map[string]string),
		conv:   make(map[string]string),
	}
}

// Bootstrap rebuilds the in-memory forest from persisted messages.
// Conversation IDs already assigned are reused; merges discovered
// during replay (a late-arriving ancestor that connected two groups
// after the last shutdown) are persisted through RelabelConversation.
func (e *Engine) Bootstrap(ctx context.Context, seeds []store.ThreadSeed) error {
	for _, seed := range seeds {
		msg := model.Message{
			ID:             seed.ID,
			MessageID:      seed.MessageID,
			InReplyTo:      seed.InReplyTo,
			References:     strings.Fields(seed.References),
			ConversationID: seed.ConversationID,
		}
		if _, err := e.Add(ctx, msg); err != nil {
			return fmt.Errorf("replaying message %s: %w", seed.ID, err)
		}
	}
	return nil
}

// Add places one message into its conversation, creating, extending or
// merging conversations as the headers require, and persists the
// assignment. Adding the same message twice is a no-op. Returns the
// message's conversation ID.
func (e *Engine) Add(ctx context.Context, msg model.Message) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	self := normalizeID(msg.MessageID)
	if self == "" {
		// No Message-ID; the message threads by its local identity and
		// can only join others through its own reference headers.
		self = "local:" + msg.ID
	}

	keys := []string{self}
	if ref := normalizeID(msg.InReplyTo); ref != "" {
		keys = append(keys, ref)
	}
	for _, raw := range msg.References {
		if ref := normalizeID(raw); ref != "" {
			keys = append(keys, ref)
		}
	}

	// Union everything the message links to. Each union may merge two
	// conversations; the survivor is recorded and the loser relabeled.
	root := e.node(keys[0])
	for _, key := range keys[1:] {
		next := e.node(key)
		merged, err := e.union(ctx, root, next)
		if err != nil {
			return "", err
		}
		root = merged
	}

	// A message replayed from the store carries its old conversation ID;
	// adopt it when the subtree has none yet, merge-relabel otherwise.
	if msg.ConversationID != "" {
		if existing, ok := e.conv[root]; !ok {
			e.conv[root] = msg.ConversationID
		} else if existing != msg.ConversationID {
			if err := e.store.RelabelConversation(ctx, msg.ConversationID, existing); err != nil {
				return "", err
			}
		}
	}

	convID, ok := e.conv[root]
	if !ok {
		convID = uuid.New().String()
		e.conv[root] = convID
	}

	if msg.ConversationID == convID {
		return convID, nil
	}
	if err := e.store.SetConversation(ctx, msg.ID, convID); err != nil {
		return "", err
	}
	return convID, nil
}

// Conversation reports the conversation ID currently associated with a
// raw Message-ID header value, or "" when the identifier is unknown or
// only exists as a placeholder.
func (e *Engine) Conversation(messageID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := normalizeID(messageID)
	if key == "" {
		return ""
	}
	if _, ok := e.parent[key]; !ok {
		return ""
	}
	return e.conv[e.find(key)]
}

// node ensures the identifier exists in the forest and returns its root.
func (e *Engine) node(key string) string {
	if _, ok := e.parent[key]; !ok {
		e.parent[key] = key
	}
	return e.find(key)
}

// find returns the root of key's tree, compressing the path.
func (e *Engine) find(key string) string {
	root := key
	for e.parent[root] != root {
		root = e.parent[root]
	}
	for e.parent[key] != root {
		key, e.parent[key] = e.parent[key], root
	}
	return root
}

// union joins two trees and returns the surviving root. When both
// sides already carry a conversation ID the first one survives and the
// other's messages are relabeled in the store.
func (e *Engine) union(ctx context.Context, a, b string) (string, error) {
	a, b = e.find(a), e.find(b)
	if a == b {
		return a, nil
	}

	convA, okA := e.conv[a]
	convB, okB := e.conv[b]

	// Keep the root that has a conversation attached, so placeholder
	// subtrees fold into real ones without churn.
	if !okA && okB {
		a, b = b, a
		convA, okA = convB, okB
		okB = false
	}

	e.parent[b] = a
	delete(e.conv, b)

	if okA && okB && convA != convB {
		e.log.Debug().
			Str("kept", convA).
			Str("merged", convB).
			Msg("conversations merged")
		if err := e.store.RelabelConversation(ctx, convB, convA); err != nil {
			return "", err
		}
	}
	return a, nil
}

// normalizeID canonicalizes a Message-ID header value: surrounding
// whitespace and angle brackets are stripped and the identifier is
// case-folded. An empty or bracket-only value normalizes to "".
func normalizeID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}
