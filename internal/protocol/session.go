// Package protocol defines the contract between the sync coordinator and
// the per-protocol client sessions (IMAP, POP3, SMTP submission).
package protocol

import (
	"context"
	"time"

	"github.com/mailden/mailden/internal/model"
)

// DeltaKind is the kind of change carried by one Delta.
type DeltaKind int

const (
	// DeltaAdded is a message not previously seen under the current
	// stability token.
	DeltaAdded DeltaKind = iota
	// DeltaFlagsChanged is a server-side flag change on a known message.
	DeltaFlagsChanged
	// DeltaRemoved is a message the server no longer reports.
	DeltaRemoved
)

// Delta is one unit of change for a single message, returned by
// incremental sync.
type Delta struct {
	Kind     DeltaKind
	ServerID string

	// Summary is set for DeltaAdded.
	Summary *MessageSummary

	// Flags is set for DeltaAdded and DeltaFlagsChanged.
	Flags model.FlagSet
}

// MessageSummary is the header-level view of a message, fetched before
// (and independently of) its body.
type MessageSummary struct {
	Subject    string
	From       string
	To         []string
	Date       time.Time
	Size       int64
	MessageID  string
	InReplyTo  string
	References []string
}

// ChangeSet is one bounded batch of deltas plus the cursor to resume
// from. When Invalidate is set the stability token changed: the caller
// must purge the mailbox cache and restart from a zero cursor before
// applying anything.
type ChangeSet struct {
	Deltas []Delta

	// Cursor resumes fetching after this batch has been applied.
	Cursor model.Cursor

	// StabilityToken is the token the batch was produced under.
	StabilityToken string

	// Invalidate signals a stability-token change. Deltas is empty.
	Invalidate bool

	// More reports that another FetchChanges call is needed to catch up.
	More bool
}

// MailboxSummary describes one mailbox as listed by the server.
type MailboxSummary struct {
	Name string
	Role model.MailboxRole
}

// Session is one authenticated inbound connection. Sessions do not
// reconnect on their own; any operation may fail with a ConnectError
// after which the session is dead and the coordinator owns retry policy.
type Session interface {
	// ListMailboxes returns the mailboxes visible to the account.
	ListMailboxes(ctx context.Context) ([]MailboxSummary, error)

	// FetchChanges returns a bounded batch of changes for the mailbox
	// since the cursor. known holds the server IDs currently cached
	// locally, used for removal detection (and, for POP3, as the
	// previous UIDL snapshot).
	FetchChanges(ctx context.Context, mailbox string, cur model.Cursor, known []string) (*ChangeSet, error)

	// FetchBody retrieves the full raw message for a server ID.
	FetchBody(ctx context.Context, mailbox, serverID string) ([]byte, error)

	// PushFlags writes a local flag state to the server. Protocols
	// without server-side flags (POP3) return nil.
	PushFlags(ctx context.Context, mailbox, serverID string, flags model.FlagSet) error

	// Close terminates the connection. Safe to call on a dead session.
	Close() error
}

// Dialer connects and authenticates one session for its account.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Submitter sends one outbound message over SMTP.
type Submitter interface {
	Submit(ctx context.Context, from string, rcpts []string, raw []byte) error
}
