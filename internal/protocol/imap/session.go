// Package imap implements the inbound protocol session for IMAP
// servers, including Gmail's XOAUTH2-authenticated endpoint. The
// mailbox UIDVALIDITY is the stability token; deltas are computed from
// UID ranges above the cursor plus a flag/removal scan of known UIDs.
package imap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/mailden/mailden/internal/credential"
	"github.com/mailden/mailden/internal/model"
	"github.com/mailden/mailden/internal/protocol"
)

// fetchBatchSize bounds how many new messages one FetchChanges call
// returns; the coordinator loops until ChangeSet.More is false.
const fetchBatchSize = 200

// Dialer connects and authenticates IMAP sessions for one account.
type Dialer struct {
	Account model.Account
	Creds   credential.Provider
	Log     zerolog.Logger
}

// Dial implements protocol.Dialer. For OAuth accounts a server-side
// token rejection triggers one forced refresh and a second attempt
// before the failure surfaces.
func (d *Dialer) Dial(ctx context.Context) (protocol.Session, error) {
	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	if err := d.authenticate(ctx, client); err != nil {
		_ = client.Close()
		if !d.Account.IsOAuth() || !protocol.IsTokenExpired(err) {
			return nil, err
		}

		// Stale access token: refresh and try once more.
		d.Creds.Invalidate(d.Account.ID)
		client, cerr := d.connect(ctx)
		if cerr != nil {
			return nil, cerr
		}
		if err := d.authenticate(ctx, client); err != nil {
			_ = client.Close()
			if protocol.IsTokenExpired(err) {
				return nil, &protocol.AuthError{Reason: protocol.AuthServerRejected, Err: err}
			}
			return nil, err
		}
		return d.session(client), nil
	}

	return d.session(client), nil
}

func (d *Dialer) session(client *imapclient.Client) *Session {
	return &Session{
		client:  client,
		account: d.Account,
		log:     d.Log.With().Str("account", d.Account.ID).Logger(),
	}
}

func (d *Dialer) connect(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", d.Account.Inbound.Host, d.Account.Inbound.Port)

	var client *imapclient.Client
	var err error
	if d.Account.Inbound.StartTLS {
		client, err = imapclient.DialStartTLS(addr, nil)
	} else {
		client, err = imapclient.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, protocol.ClassifyDialError(err)
	}
	return client, nil
}

func (d *Dialer) authenticate(ctx context.Context, client *imapclient.Client) error {
	tok, err := d.Creds.Token(ctx, d.Account)
	if err != nil {
		return err
	}

	if d.Account.IsOAuth() {
		auth := credential.NewXOAuth2(d.Account.Address, tok.Value)
		if err := client.Authenticate(auth); err != nil {
			// Gmail rejects stale tokens with a SASL error; let the
			// dialer decide whether a refresh is worth a retry.
			return &protocol.AuthError{Reason: protocol.AuthTokenExpired, Err: err}
		}
		return nil
	}

	if err := client.Login(d.Account.Address, tok.Value).Wait(); err != nil {
		return &protocol.AuthError{Reason: protocol.AuthInvalidCredential, Err: err}
	}
	return nil
}

// Session is one authenticated IMAP connection.
type Session struct {
	client  *imapclient.Client
	account model.Account
	log     zerolog.Logger
}

// watch forces in-flight commands to fail promptly when ctx is
// canceled by tearing down the connection.
func (s *Session) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { _ = s.client.Close() })
}

// ListMailboxes implements protocol.Session.
func (s *Session) ListMailboxes(ctx context.Context) ([]protocol.MailboxSummary, error) {
	defer s.watch(ctx)()

	boxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, s.opErr(ctx, err)
	}

	var out []protocol.MailboxSummary
	for _, box := range boxes {
		if hasAttr(box.Attrs, goimap.MailboxAttrNoSelect) {
			continue
		}
		out = append(out, protocol.MailboxSummary{
			Name: box.Mailbox,
			Role: model.ClassifyMailbox(box.Mailbox),
		})
	}
	return out, nil
}

// FetchChanges implements protocol.Session.
func (s *Session) FetchChanges(ctx context.Context, mailbox string, cur model.Cursor, known []string) (*protocol.ChangeSet, error) {
	defer s.watch(ctx)()

	sel, err := s.client.Select(mailbox, nil).Wait()
	if err != nil {
		return nil, s.opErr(ctx, err)
	}

	token := strconv.FormatUint(uint64(sel.UIDValidity), 10)
	if cur.Token != "" && cur.Token != token {
		// UIDVALIDITY changed: every cached UID is meaningless.
		s.log.Warn().Str("mailbox", mailbox).
			Str("old", cur.Token).Str("new", token).
			Msg("mailbox stability token changed")
		return &protocol.ChangeSet{StabilityToken: token, Invalidate: true}, nil
	}

	serverUIDs, err := s.searchAll(ctx)
	if err != nil {
		return nil, err
	}

	cs := &protocol.ChangeSet{
		StabilityToken: token,
		Cursor:         model.Cursor{Token: token, Position: cur.Position},
	}

	onServer := make(map[uint64]bool, len(serverUIDs))
	for _, uid := range serverUIDs {
		onServer[uid] = true
	}

	// Removals: cached UIDs the server no longer reports.
	var kept []uint64
	for _, id := range known {
		uid, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			continue
		}
		if !onServer[uid] {
			cs.Deltas = append(cs.Deltas, protocol.Delta{
				Kind:     protocol.DeltaRemoved,
				ServerID: id,
			})
			continue
		}
		kept = append(kept, uid)
	}

	// Flag changes on surviving known messages.
	if len(kept) > 0 {
		flagDeltas, err := s.fetchFlags(ctx, kept)
		if err != nil {
			return nil, err
		}
		cs.Deltas = append(cs.Deltas, flagDeltas...)
	}

	// New messages above the cursor, oldest first, bounded per batch.
	var fresh []uint64
	for _, uid := range serverUIDs {
		if uid > cur.Position {
			fresh = append(fresh, uid)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i] < fresh[j] })
	if len(fresh) > fetchBatchSize {
		fresh = fresh[:fetchBatchSize]
		cs.More = true
	}

	if len(fresh) > 0 {
		added, err := s.fetchSummaries(ctx, fresh)
		if err != nil {
			return nil, err
		}
		cs.Deltas = append(cs.Deltas, added...)
		cs.Cursor.Position = fresh[len(fresh)-1]
	}

	return cs, nil
}

// searchAll returns every UID currently in the selected mailbox.
func (s *Session) searchAll(ctx context.Context) ([]uint64, error) {
	data, err := s.client.UIDSearch(&goimap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, s.opErr(ctx, err)
	}

	uids := data.AllUIDs()
	out := make([]uint64, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint64(uid))
	}
	return out, nil
}

// fetchFlags retrieves current server flags for known UIDs.
func (s *Session) fetchFlags(ctx context.Context, uids []uint64) ([]protocol.Delta, error) {
	fetchCmd := s.client.Fetch(uidSet(uids), &goimap.FetchOptions{
		Flags: true,
		UID:   true,
	})
	defer fetchCmd.Close()

	var deltas []protocol.Delta
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		deltas = append(deltas, protocol.Delta{
			Kind:     protocol.DeltaFlagsChanged,
			ServerID: strconv.FormatUint(uint64(buf.UID), 10),
			Flags:    flagsFromIMAP(buf.Flags),
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, s.opErr(ctx, err)
	}
	return deltas, nil
}

// fetchSummaries retrieves envelope-level data plus the References
// header for new UIDs.
func (s *Session) fetchSummaries(ctx context.Context, uids []uint64) ([]protocol.Delta, error) {
	refsSection := &goimap.FetchItemBodySection{
		Specifier:    goimap.PartSpecifierHeader,
		HeaderFields: []string{"References"},
		Peek:         true,
	}
	fetchCmd := s.client.Fetch(uidSet(uids), &goimap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*goimap.FetchItemBodySection{refsSection},
	})
	defer fetchCmd.Close()

	var deltas []protocol.Delta
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		summary := summaryFromBuffer(buf)
		if raw := buf.FindBodySection(refsSection); raw != nil {
			summary.References = parseReferences(raw)
		}

		deltas = append(deltas, protocol.Delta{
			Kind:     protocol.DeltaAdded,
			ServerID: strconv.FormatUint(uint64(buf.UID), 10),
			Summary:  summary,
			Flags:    flagsFromIMAP(buf.Flags),
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, s.opErr(ctx, err)
	}
	return deltas, nil
}

// FetchBody implements protocol.Session.
func (s *Session) FetchBody(ctx context.Context, mailbox, serverID string) ([]byte, error) {
	defer s.watch(ctx)()

	uid, err := strconv.ParseUint(serverID, 10, 32)
	if err != nil {
		return nil, &protocol.FetchError{ServerID: serverID, Err: err}
	}

	if _, err := s.client.Select(mailbox, nil).Wait(); err != nil {
		return nil, s.opErr(ctx, err)
	}

	bodySection := &goimap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(uidSet([]uint64{uid}), &goimap.FetchOptions{
		UID:         true,
		BodySection: []*goimap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &protocol.FetchError{ServerID: serverID, NotFound: true}
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, s.opErr(ctx, err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, &protocol.FetchError{ServerID: serverID, NotFound: true}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, s.opErr(ctx, err)
	}
	return raw, nil
}

// PushFlags implements protocol.Session. The local flag state is
// authoritative for the three reconciled flags; other server flags are
// left untouched.
func (s *Session) PushFlags(ctx context.Context, mailbox, serverID string, flags model.FlagSet) error {
	defer s.watch(ctx)()

	uid, err := strconv.ParseUint(serverID, 10, 32)
	if err != nil {
		return &protocol.FetchError{ServerID: serverID, Err: err}
	}

	if _, err := s.client.Select(mailbox, nil).Wait(); err != nil {
		return s.opErr(ctx, err)
	}

	var add, del []goimap.Flag
	assign := func(on bool, flag goimap.Flag) {
		if on {
			add = append(add, flag)
		} else {
			del = append(del, flag)
		}
	}
	assign(flags.Seen, goimap.FlagSeen)
	assign(flags.Starred, goimap.FlagFlagged)
	assign(flags.Deleted, goimap.FlagDeleted)

	set := uidSet([]uint64{uid})
	if len(add) > 0 {
		cmd := s.client.Store(set, &goimap.StoreFlags{
			Op: goimap.StoreFlagsAdd, Silent: true, Flags: add,
		}, nil)
		if err := cmd.Close(); err != nil {
			return s.opErr(ctx, err)
		}
	}
	if len(del) > 0 {
		cmd := s.client.Store(set, &goimap.StoreFlags{
			Op: goimap.StoreFlagsDel, Silent: true, Flags: del,
		}, nil)
		if err := cmd.Close(); err != nil {
			return s.opErr(ctx, err)
		}
	}
	return nil
}

// Close implements protocol.Session.
func (s *Session) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		return s.client.Close()
	}
	return nil
}

// opErr maps a mid-operation failure: context cancellation passes
// through, anything else means the connection is no longer usable.
func (s *Session) opErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &protocol.ConnectError{Reason: protocol.ConnectionLost, Err: err}
}

func uidSet(uids []uint64) goimap.UIDSet {
	var set goimap.UIDSet
	for _, uid := range uids {
		set.AddNum(goimap.UID(uid))
	}
	return set
}

func hasAttr(attrs []goimap.MailboxAttr, want goimap.MailboxAttr) bool {
	for _, attr := range attrs {
		if attr == want {
			return true
		}
	}
	return false
}

func flagsFromIMAP(flags []goimap.Flag) model.FlagSet {
	var out model.FlagSet
	for _, flag := range flags {
		switch flag {
		case goimap.FlagSeen:
			out.Seen = true
		case goimap.FlagFlagged:
			out.Starred = true
		case goimap.FlagDeleted:
			out.Deleted = true
		}
	}
	return out
}

func summaryFromBuffer(buf *imapclient.FetchMessageBuffer) *protocol.MessageSummary {
	summary := &protocol.MessageSummary{
		Size: buf.RFC822Size,
	}

	if buf.Envelope != nil {
		summary.Subject = buf.Envelope.Subject
		summary.Date = buf.Envelope.Date
		summary.MessageID = buf.Envelope.MessageID
		if len(buf.Envelope.InReplyTo) > 0 {
			summary.InReplyTo = buf.Envelope.InReplyTo[0]
		}

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				summary.From = from.Name
			} else {
				summary.From = from.Addr()
			}
		}
		for _, to := range buf.Envelope.To {
			summary.To = append(summary.To, to.Addr())
		}
	}

	return summary
}

// parseReferences extracts message IDs from a fetched
// "References" header section.
func parseReferences(raw []byte) []string {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	header, err := reader.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return nil
	}
	return strings.Fields(header.Get("References"))
}
