package model

import "time"

// OutboxState is the lifecycle state of a queued outbound message.
type OutboxState string

const (
	OutboxQueued  OutboxState = "queued"
	OutboxSending OutboxState = "sending"
	OutboxSent    OutboxState = "sent"
	OutboxFailed  OutboxState = "failed"
)

// OutboxEntry is a locally queued outbound message awaiting SMTP
// submission. Transient connection errors requeue it; a semantic server
// rejection parks it in OutboxFailed until the user requeues it.
type OutboxEntry struct {
	ID        string
	AccountID string

	From       string
	Recipients []string
	Raw        []byte

	State OutboxState

	// FailReason holds the SMTP rejection (code and message) when
	// State is OutboxFailed.
	FailReason string

	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}
