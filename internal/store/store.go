// Package store is the durable local cache of accounts, mailboxes,
// messages, flags, sync cursors and the outbox. It is the only
// resource shared across components; writes go through transactions,
// reads may run concurrently.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailden/mailden/internal/model"
	"github.com/mailden/mailden/internal/protocol"
)

// StoreError is a persistence failure. The coordinator never drops data
// on a StoreError; the transaction is retried until it commits or the
// account is marked fatal.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error in %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err (or its chain) is a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// FlagPolicy selects how a remote flag change interacts with a
// locally-dirty flag.
type FlagPolicy int

const (
	// LocalWins defers remote flag overwrites until the local change
	// has been pushed. This is the default, chosen for offline use.
	LocalWins FlagPolicy = iota
	// ServerWins lets remote flag state overwrite dirty local flags.
	ServerWins
)

// MessageFilter controls filtering and pagination for message queries.
type MessageFilter struct {
	AccountID      *string
	MailboxID      *string
	ConversationID *string
	Unseen         *bool
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

// ApplyResult reports what one delta batch changed.
type ApplyResult struct {
	// Added holds the fully materialized new messages, for the event
	// hub (threading, indexing, notifications).
	Added []model.Message
	// Updated holds local IDs whose flags changed.
	Updated []string
	// Removed holds local IDs of deleted messages.
	Removed []string
}

// ThreadSeed is the minimal projection the threading engine needs to
// rebuild its state after a restart.
type ThreadSeed struct {
	ID             string `db:"id"`
	MessageID      string `db:"message_id"`
	InReplyTo      string `db:"in_reply_to"`
	References     string `db:"refs"`
	ConversationID string `db:"conversation_id"`
}

// Store defines the persistence interface for the sync engine and its
// consumers.
type Store interface {
	// === Accounts ===

	UpsertAccount(ctx context.Context, account model.Account) error
	// DeleteAccount removes the account and cascades to its mailboxes,
	// messages and cursors.
	DeleteAccount(ctx context.Context, id string) error
	GetAccounts(ctx context.Context) ([]model.Account, error)

	// === Mailboxes & cursors ===

	UpsertMailbox(ctx context.Context, accountID, name string, role model.MailboxRole) (model.Mailbox, error)
	GetMailboxes(ctx context.Context, accountID string) ([]model.Mailbox, error)
	GetMailbox(ctx context.Context, id string) (*model.Mailbox, error)

	// === Sync apply path ===

	// ApplyChanges applies one delta batch and the cursor advance in a
	// single transaction: a crash mid-apply never leaves the cursor
	// ahead of the persisted messages.
	ApplyChanges(ctx context.Context, mailboxID string, deltas []protocol.Delta, cur model.Cursor) (*ApplyResult, error)

	// InvalidateMailbox purges all cached messages for the mailbox and
	// resets its cursor, returning the purged local IDs. Called when
	// the stability token changes.
	InvalidateMailbox(ctx context.Context, mailboxID string) ([]string, error)

	// KnownServerIDs lists the server IDs currently cached for the
	// mailbox, for removal detection and POP3 snapshot diffing.
	KnownServerIDs(ctx context.Context, mailboxID string) ([]string, error)

	// === Flags ===

	// SetLocalFlags applies a UI flag change immediately and marks the
	// message dirty for push reconciliation.
	SetLocalFlags(ctx context.Context, messageID string, flags model.FlagSet) error
	DirtyMessages(ctx context.Context, accountID string) ([]model.Message, error)
	// ClearDirty drops the dirty marker only if the flags still equal
	// the pushed state, so a concurrent local change is not lost.
	ClearDirty(ctx context.Context, messageID string, pushed model.FlagSet) error

	// === Bodies & queries ===

	SetBody(ctx context.Context, messageID string, raw []byte) error
	GetBody(ctx context.Context, messageID string) ([]byte, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)

	// === Threading ===

	SetConversation(ctx context.Context, messageID, conversationID string) error
	// RelabelConversation moves every message in oldID to newID, used
	// when two conversations merge.
	RelabelConversation(ctx context.Context, oldID, newID string) error
	ThreadSeeds(ctx context.Context) ([]ThreadSeed, error)

	// === Outbox ===

	Enqueue(ctx context.Context, entry model.OutboxEntry) error
	// NextQueued claims the oldest queued entry, moving it to Sending.
	NextQueued(ctx context.Context, accountID string) (*model.OutboxEntry, error)
	// ResetSending returns entries stuck in Sending to Queued, so a
	// claim orphaned by a crash or cancelled cycle is retried instead
	// of stranding the message in a non-terminal state.
	ResetSending(ctx context.Context, accountID string) (int, error)
	MarkOutbox(ctx context.Context, id string, state model.OutboxState, failReason string) error
	// RequeueOutbox returns a failed entry to Queued on explicit user
	// action.
	RequeueOutbox(ctx context.Context, id string) error
	GetOutbox(ctx context.Context, accountID string) ([]model.OutboxEntry, error)
}
