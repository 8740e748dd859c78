package model

import "strings"

// MailboxRole classifies well-known mailboxes by their purpose.
type MailboxRole string

const (
	RoleInbox   MailboxRole = "inbox"
	RoleSent    MailboxRole = "sent"
	RoleDrafts  MailboxRole = "drafts"
	RoleTrash   MailboxRole = "trash"
	RoleSpam    MailboxRole = "spam"
	RoleArchive MailboxRole = "archive"
	RoleCustom  MailboxRole = "custom"
)

// Mailbox is one folder on the server, cached locally. The stability
// token (IMAP UIDVALIDITY or equivalent) scopes the server message
// identifiers: when it changes, every cached message in the mailbox is
// stale and must be purged before the cursor is reused.
type Mailbox struct {
	ID        string
	AccountID string
	Name      string
	Role      MailboxRole

	// StabilityToken is the server-issued value under which cached
	// server IDs are valid. Empty until the first sync.
	StabilityToken string

	// CursorPos is the highest server position seen under the current
	// stability token. It never decreases while the token is unchanged.
	CursorPos uint64
}

// Cursor returns the mailbox's resumption cursor for incremental sync.
func (m Mailbox) Cursor() Cursor {
	return Cursor{Token: m.StabilityToken, Position: m.CursorPos}
}

// Cursor is an opaque resumption marker for incremental delta fetching,
// persisted per mailbox so sync resumes across restarts.
type Cursor struct {
	// Token is the stability token the cursor was issued under.
	Token string
	// Position is the highest server sequence/UID applied so far.
	Position uint64
}

// Zero reports whether the cursor has never been advanced.
func (c Cursor) Zero() bool {
	return c.Token == "" && c.Position == 0
}

// ClassifyMailbox maps a server mailbox name onto a role.
func ClassifyMailbox(name string) MailboxRole {
	switch upper := strings.ToUpper(name); {
	case upper == "INBOX":
		return RoleInbox
	case strings.Contains(upper, "SENT"):
		return RoleSent
	case strings.Contains(upper, "DRAFT"):
		return RoleDrafts
	case strings.Contains(upper, "TRASH"), strings.Contains(upper, "DELETED"):
		return RoleTrash
	case strings.Contains(upper, "SPAM"), strings.Contains(upper, "JUNK"):
		return RoleSpam
	case strings.Contains(upper, "ARCHIVE"), strings.Contains(upper, "ALL MAIL"):
		return RoleArchive
	default:
		return RoleCustom
	}
}
