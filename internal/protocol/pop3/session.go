// Package pop3 implements the inbound protocol session for POP3
// servers. POP3 has no stability token, no server-side flags and no
// incremental cursor; delta fetching degrades to diffing the previous
// UIDL snapshot (the locally known server IDs) against the current one.
package pop3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	gopop3 "github.com/knadh/go-pop3"
	"github.com/rs/zerolog"

	"github.com/mailden/mailden/internal/credential"
	"github.com/mailden/mailden/internal/model"
	"github.com/mailden/mailden/internal/protocol"
)

// stabilityToken is the fixed token for POP3 mailboxes; UIDL values are
// stable for the lifetime of the maildrop, so the cache never needs a
// token-change invalidation.
const stabilityToken = "pop3-uidl"

// inboxName is the single implicit POP3 mailbox.
const inboxName = "INBOX"

// Dialer connects and authenticates POP3 sessions for one account.
type Dialer struct {
	Account model.Account
	Creds   credential.Provider
	Log     zerolog.Logger
}

// Dial implements protocol.Dialer.
func (d *Dialer) Dial(ctx context.Context) (protocol.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Account.IsOAuth() {
		return nil, &protocol.AuthError{
			Reason: protocol.AuthServerRejected,
			Err:    errors.New("OAuth2 is not supported for POP3 accounts"),
		}
	}

	tok, err := d.Creds.Token(ctx, d.Account)
	if err != nil {
		return nil, err
	}

	client := gopop3.New(gopop3.Opt{
		Host:       d.Account.Inbound.Host,
		Port:       d.Account.Inbound.Port,
		TLSEnabled: !d.Account.Inbound.StartTLS,
	})

	conn, err := client.NewConn()
	if err != nil {
		return nil, protocol.ClassifyDialError(err)
	}

	if err := conn.Auth(d.Account.Address, tok.Value); err != nil {
		_ = conn.Quit()
		return nil, &protocol.AuthError{Reason: protocol.AuthInvalidCredential, Err: err}
	}

	return &Session{
		conn: conn,
		log:  d.Log.With().Str("account", d.Account.ID).Logger(),
	}, nil
}

// Session is one authenticated POP3 connection.
type Session struct {
	conn *gopop3.Conn
	log  zerolog.Logger
}

// ListMailboxes implements protocol.Session. POP3 exposes exactly one
// implicit mailbox.
func (s *Session) ListMailboxes(_ context.Context) ([]protocol.MailboxSummary, error) {
	return []protocol.MailboxSummary{
		{Name: inboxName, Role: model.RoleInbox},
	}, nil
}

// FetchChanges implements protocol.Session by diffing UIDL snapshots.
func (s *Session) FetchChanges(ctx context.Context, mailbox string, _ model.Cursor, known []string) (*protocol.ChangeSet, error) {
	if mailbox != inboxName {
		return nil, fmt.Errorf("pop3: unknown mailbox %q", mailbox)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uidl, err := s.conn.Uidl(0)
	if err != nil {
		return nil, s.opErr(ctx, err)
	}
	// UIDL carries no sizes; those come from the LIST response.
	sizes, err := s.conn.List(0)
	if err != nil {
		return nil, s.opErr(ctx, err)
	}
	listing := maildropListing(uidl, sizes)

	onServer := make(map[string]int, len(listing))
	for _, entry := range listing {
		onServer[entry.UID] = entry.ID
	}
	wasKnown := make(map[string]bool, len(known))
	for _, uid := range known {
		wasKnown[uid] = true
	}

	cs := &protocol.ChangeSet{
		StabilityToken: stabilityToken,
		Cursor:         model.Cursor{Token: stabilityToken},
	}

	// Messages gone from the maildrop since the last snapshot.
	for _, uid := range known {
		if _, ok := onServer[uid]; !ok {
			cs.Deltas = append(cs.Deltas, protocol.Delta{
				Kind:     protocol.DeltaRemoved,
				ServerID: uid,
			})
		}
	}

	// New arrivals, in maildrop order.
	for _, entry := range listing {
		if wasKnown[entry.UID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		summary, err := s.fetchSummary(entry.ID)
		if err != nil {
			s.log.Warn().Str("uid", entry.UID).Err(err).
				Msg("skipping unreadable message header")
			continue
		}
		summary.Size = int64(entry.Size)

		cs.Deltas = append(cs.Deltas, protocol.Delta{
			Kind:     protocol.DeltaAdded,
			ServerID: entry.UID,
			Summary:  summary,
		})
	}

	return cs, nil
}

// maildropListing joins the UIDL and LIST responses on message number:
// UIDL carries the stable UID, LIST the octet size.
func maildropListing(uidl, list []gopop3.MessageID) []gopop3.MessageID {
	sizeByID := make(map[int]int, len(list))
	for _, entry := range list {
		sizeByID[entry.ID] = entry.Size
	}
	out := make([]gopop3.MessageID, len(uidl))
	for i, entry := range uidl {
		entry.Size = sizeByID[entry.ID]
		out[i] = entry
	}
	return out
}

// fetchSummary retrieves just the headers of one message via TOP.
func (s *Session) fetchSummary(id int) (*protocol.MessageSummary, error) {
	entity, err := s.conn.Top(id, 0)
	if err != nil {
		return nil, err
	}

	header := mail.Header{Header: entity.Header}
	summary := &protocol.MessageSummary{}

	if subject, err := header.Subject(); err == nil {
		summary.Subject = subject
	}
	if date, err := header.Date(); err == nil {
		summary.Date = date
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		if from[0].Name != "" {
			summary.From = from[0].Name
		} else {
			summary.From = from[0].Address
		}
	}
	if to, err := header.AddressList("To"); err == nil {
		for _, addr := range to {
			summary.To = append(summary.To, addr.Address)
		}
	}
	if msgID, err := header.MessageID(); err == nil {
		summary.MessageID = msgID
	}
	if replies, err := header.MsgIDList("In-Reply-To"); err == nil && len(replies) > 0 {
		summary.InReplyTo = replies[0]
	}
	if refs, err := header.MsgIDList("References"); err == nil {
		summary.References = refs
	}

	return summary, nil
}

// FetchBody implements protocol.Session.
func (s *Session) FetchBody(ctx context.Context, mailbox, serverID string) ([]byte, error) {
	if mailbox != inboxName {
		return nil, fmt.Errorf("pop3: unknown mailbox %q", mailbox)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	listing, err := s.conn.Uidl(0)
	if err != nil {
		return nil, s.opErr(ctx, err)
	}

	for _, entry := range listing {
		if entry.UID != serverID {
			continue
		}
		buf, err := s.conn.RetrRaw(entry.ID)
		if err != nil {
			return nil, s.opErr(ctx, err)
		}
		return buf.Bytes(), nil
	}

	return nil, &protocol.FetchError{ServerID: serverID, NotFound: true}
}

// PushFlags implements protocol.Session. POP3 has no server-side flag
// state, so local flags are authoritative and the push is a no-op.
func (s *Session) PushFlags(context.Context, string, string, model.FlagSet) error {
	return nil
}

// Close implements protocol.Session.
func (s *Session) Close() error {
	return s.conn.Quit()
}

func (s *Session) opErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if strings.Contains(err.Error(), "-ERR") {
		return fmt.Errorf("pop3 server error: %w", err)
	}
	return &protocol.ConnectError{Reason: protocol.ConnectionLost, Err: err}
}
