package model

import "time"

// BodyState tracks how much of a message has been fetched.
type BodyState int

const (
	// BodyNone means only the header summary is cached.
	BodyNone BodyState = iota
	// BodyFetched means the full raw message is cached locally.
	BodyFetched
)

// FlagSet is the mutable per-message flag state. Locally it follows
// last-writer-wins; reconciliation against the server happens on the
// next sync cycle.
type FlagSet struct {
	Seen    bool
	Starred bool
	Deleted bool
}

// Message is one cached mail message. ID is the stable local identifier
// used by threading, search and the UI; it survives mailbox moves.
// ServerID is only unique within (mailbox, stability token).
type Message struct {
	ID        string
	AccountID string
	MailboxID string
	ServerID  string

	Subject string
	From    string
	To      []string
	Date    time.Time
	Size    int64

	// Threading headers, normalized by the threading engine.
	MessageID  string
	InReplyTo  string
	References []string

	Flags FlagSet

	// FlagsDirty marks a local flag mutation not yet pushed to the
	// server. While set, remote flag changes must not overwrite Flags.
	FlagsDirty bool

	BodyState BodyState

	// ConversationID is the grouping key assigned by the threading
	// engine. Empty until the message has been threaded.
	ConversationID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ParsedMessage is the decoded form of a raw message body, produced by
// the MIME decoder and consumed by the search indexer and the UI.
type ParsedMessage struct {
	Subject     string
	From        string
	To          []string
	Date        time.Time
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

// Attachment holds metadata about one message attachment.
type Attachment struct {
	Filename string
	Size     int64
	MIMEType string
}
