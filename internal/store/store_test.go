package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/mailden/mailden/internal/model"
	"github.com/mailden/mailden/internal/protocol"
	"github.com/mailden/mailden/internal/store"
	"github.com/mailden/mailden/tests/testutil"
)

func seedAccount(t *testing.T, s *store.SQLiteStore) model.Account {
	t.Helper()

	account := model.Account{
		ID:            "acct-1",
		Name:          "Work",
		Protocol:      model.ProtocolIMAP,
		Auth:          model.AuthPassword,
		Address:       "user@example.com",
		CredentialRef: "work-password",
	}
	if err := s.UpsertAccount(context.Background(), account); err != nil {
		t.Fatalf("upserting account: %v", err)
	}
	return account
}

func seedMailbox(t *testing.T, s *store.SQLiteStore, accountID, name string) model.Mailbox {
	t.Helper()

	mb, err := s.UpsertMailbox(context.Background(), accountID, name, model.ClassifyMailbox(name))
	if err != nil {
		t.Fatalf("upserting mailbox %s: %v", name, err)
	}
	return mb
}

func added(serverID, subject string, seen bool) protocol.Delta {
	return protocol.Delta{
		Kind:     protocol.DeltaAdded,
		ServerID: serverID,
		Summary: &protocol.MessageSummary{
			Subject:   subject,
			From:      "alice@example.com",
			To:        []string{"user@example.com"},
			Date:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			MessageID: "<" + serverID + "@example.com>",
		},
		Flags: model.FlagSet{Seen: seen},
	}
}

func TestApplyChangesAddsMessagesAndAdvancesCursor(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	deltas := []protocol.Delta{added("101", "first", false), added("102", "second", true)}
	cur := model.Cursor{Token: "uidvalidity-7", Position: 102}

	result, err := s.ApplyChanges(ctx, mb.ID, deltas, cur)
	if err != nil {
		t.Fatalf("applying changes: %v", err)
	}
	if len(result.Added) != 2 {
		t.Fatalf("expected 2 added messages, got %d", len(result.Added))
	}

	reloaded, err := s.GetMailbox(ctx, mb.ID)
	if err != nil {
		t.Fatalf("reloading mailbox: %v", err)
	}
	if reloaded.StabilityToken != "uidvalidity-7" || reloaded.CursorPos != 102 {
		t.Errorf("cursor not advanced: token=%q pos=%d", reloaded.StabilityToken, reloaded.CursorPos)
	}

	known, err := s.KnownServerIDs(ctx, mb.ID)
	if err != nil {
		t.Fatalf("listing server ids: %v", err)
	}
	if len(known) != 2 {
		t.Errorf("expected 2 known server ids, got %v", known)
	}
}

func TestApplyChangesIsIdempotentForDuplicateAdds(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	deltas := []protocol.Delta{added("101", "first", false)}
	cur := model.Cursor{Token: "tok", Position: 101}

	if _, err := s.ApplyChanges(ctx, mb.ID, deltas, cur); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	result, err := s.ApplyChanges(ctx, mb.ID, deltas, cur)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(result.Added) != 0 {
		t.Errorf("duplicate add reported as new: %+v", result.Added)
	}

	msgs, err := s.GetMessages(ctx, store.MessageFilter{MailboxID: &mb.ID})
	if err != nil {
		t.Fatalf("listing messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected 1 message, got %d", len(msgs))
	}
}

func TestCursorNeverMovesBackwardsUnderSameToken(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	if _, err := s.ApplyChanges(ctx, mb.ID, nil, model.Cursor{Token: "tok", Position: 50}); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := s.ApplyChanges(ctx, mb.ID, nil, model.Cursor{Token: "tok", Position: 10}); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	reloaded, _ := s.GetMailbox(ctx, mb.ID)
	if reloaded.CursorPos != 50 {
		t.Errorf("cursor moved backwards: %d", reloaded.CursorPos)
	}

	// A token change resets the position to whatever the new batch says.
	if _, err := s.ApplyChanges(ctx, mb.ID, nil, model.Cursor{Token: "tok2", Position: 3}); err != nil {
		t.Fatalf("token-change apply: %v", err)
	}
	reloaded, _ = s.GetMailbox(ctx, mb.ID)
	if reloaded.StabilityToken != "tok2" || reloaded.CursorPos != 3 {
		t.Errorf("token change not applied: token=%q pos=%d", reloaded.StabilityToken, reloaded.CursorPos)
	}
}

func TestRemoteFlagChangeSkipsDirtyMessageUnderLocalWins(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	result, err := s.ApplyChanges(ctx, mb.ID,
		[]protocol.Delta{added("101", "hello", false)},
		model.Cursor{Token: "tok", Position: 101},
	)
	if err != nil {
		t.Fatalf("seeding message: %v", err)
	}
	localID := result.Added[0].ID

	// User stars the message; it becomes dirty.
	local := model.FlagSet{Starred: true}
	if err := s.SetLocalFlags(ctx, localID, local); err != nil {
		t.Fatalf("setting local flags: %v", err)
	}

	// A remote change arrives before the push.
	remote := []protocol.Delta{{
		Kind:     protocol.DeltaFlagsChanged,
		ServerID: "101",
		Flags:    model.FlagSet{Seen: true},
	}}
	applied, err := s.ApplyChanges(ctx, mb.ID, remote, model.Cursor{Token: "tok", Position: 101})
	if err != nil {
		t.Fatalf("applying remote flags: %v", err)
	}
	if len(applied.Updated) != 0 {
		t.Errorf("dirty message overwritten under local-wins: %v", applied.Updated)
	}

	msg, err := s.GetMessage(ctx, localID)
	if err != nil {
		t.Fatalf("reloading message: %v", err)
	}
	if !msg.Flags.Starred || msg.Flags.Seen {
		t.Errorf("local flags lost: %+v", msg.Flags)
	}
	if !msg.FlagsDirty {
		t.Error("dirty marker cleared by skipped remote change")
	}
}

func TestRemoteFlagChangeOverwritesDirtyMessageUnderServerWins(t *testing.T) {
	s := testutil.NewTestStoreWithPolicy(t, store.ServerWins)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	result, err := s.ApplyChanges(ctx, mb.ID,
		[]protocol.Delta{added("101", "hello", false)},
		model.Cursor{Token: "tok", Position: 101},
	)
	if err != nil {
		t.Fatalf("seeding message: %v", err)
	}
	localID := result.Added[0].ID

	if err := s.SetLocalFlags(ctx, localID, model.FlagSet{Starred: true}); err != nil {
		t.Fatalf("setting local flags: %v", err)
	}

	remote := []protocol.Delta{{
		Kind:     protocol.DeltaFlagsChanged,
		ServerID: "101",
		Flags:    model.FlagSet{Seen: true},
	}}
	applied, err := s.ApplyChanges(ctx, mb.ID, remote, model.Cursor{Token: "tok", Position: 101})
	if err != nil {
		t.Fatalf("applying remote flags: %v", err)
	}
	if len(applied.Updated) != 1 {
		t.Fatalf("expected 1 update, got %v", applied.Updated)
	}

	msg, _ := s.GetMessage(ctx, localID)
	if !msg.Flags.Seen || msg.Flags.Starred || msg.FlagsDirty {
		t.Errorf("server-wins not applied: flags=%+v dirty=%v", msg.Flags, msg.FlagsDirty)
	}
}

func TestClearDirtyKeepsMarkerWhenFlagsChangedAgain(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	result, err := s.ApplyChanges(ctx, mb.ID,
		[]protocol.Delta{added("101", "hello", false)},
		model.Cursor{Token: "tok", Position: 101},
	)
	if err != nil {
		t.Fatalf("seeding message: %v", err)
	}
	localID := result.Added[0].ID

	pushed := model.FlagSet{Starred: true}
	if err := s.SetLocalFlags(ctx, localID, pushed); err != nil {
		t.Fatalf("first local change: %v", err)
	}
	// The user changes flags again while the push is in flight.
	if err := s.SetLocalFlags(ctx, localID, model.FlagSet{Starred: true, Seen: true}); err != nil {
		t.Fatalf("second local change: %v", err)
	}

	if err := s.ClearDirty(ctx, localID, pushed); err != nil {
		t.Fatalf("clearing dirty: %v", err)
	}

	msg, _ := s.GetMessage(ctx, localID)
	if !msg.FlagsDirty {
		t.Error("dirty marker lost; the second local change will never be pushed")
	}
}

func TestInvalidateMailboxPurgesAndResetsCursor(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	if _, err := s.ApplyChanges(ctx, mb.ID,
		[]protocol.Delta{added("101", "a", false), added("102", "b", false)},
		model.Cursor{Token: "tok", Position: 102},
	); err != nil {
		t.Fatalf("seeding messages: %v", err)
	}

	purged, err := s.InvalidateMailbox(ctx, mb.ID)
	if err != nil {
		t.Fatalf("invalidating: %v", err)
	}
	if len(purged) != 2 {
		t.Errorf("expected 2 purged ids, got %v", purged)
	}

	reloaded, _ := s.GetMailbox(ctx, mb.ID)
	if reloaded.StabilityToken != "" || reloaded.CursorPos != 0 {
		t.Errorf("cursor not reset: token=%q pos=%d", reloaded.StabilityToken, reloaded.CursorPos)
	}
	known, _ := s.KnownServerIDs(ctx, mb.ID)
	if len(known) != 0 {
		t.Errorf("messages survived invalidation: %v", known)
	}
}

func TestRemovedDeltaDeletesMessage(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	if _, err := s.ApplyChanges(ctx, mb.ID,
		[]protocol.Delta{added("101", "a", false)},
		model.Cursor{Token: "tok", Position: 101},
	); err != nil {
		t.Fatalf("seeding message: %v", err)
	}

	result, err := s.ApplyChanges(ctx, mb.ID,
		[]protocol.Delta{{Kind: protocol.DeltaRemoved, ServerID: "101"}},
		model.Cursor{Token: "tok", Position: 101},
	)
	if err != nil {
		t.Fatalf("applying removal: %v", err)
	}
	if len(result.Removed) != 1 {
		t.Fatalf("expected 1 removal, got %v", result.Removed)
	}

	known, _ := s.KnownServerIDs(ctx, mb.ID)
	if len(known) != 0 {
		t.Errorf("message survived removal: %v", known)
	}
}

func TestBodyRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	result, err := s.ApplyChanges(ctx, mb.ID,
		[]protocol.Delta{added("101", "a", false)},
		model.Cursor{Token: "tok", Position: 101},
	)
	if err != nil {
		t.Fatalf("seeding message: %v", err)
	}
	localID := result.Added[0].ID

	msg, _ := s.GetMessage(ctx, localID)
	if msg.BodyState != model.BodyNone {
		t.Fatalf("fresh message should have no body, got state %d", msg.BodyState)
	}

	raw := []byte("Subject: a\r\n\r\nhello world\r\n")
	if err := s.SetBody(ctx, localID, raw); err != nil {
		t.Fatalf("setting body: %v", err)
	}

	got, err := s.GetBody(ctx, localID)
	if err != nil {
		t.Fatalf("getting body: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("body mismatch: %q", got)
	}
	msg, _ = s.GetMessage(ctx, localID)
	if msg.BodyState != model.BodyFetched {
		t.Errorf("body state not updated: %d", msg.BodyState)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	if _, err := s.ApplyChanges(ctx, mb.ID,
		[]protocol.Delta{added("101", "a", false)},
		model.Cursor{Token: "tok", Position: 101},
	); err != nil {
		t.Fatalf("seeding message: %v", err)
	}

	if err := s.DeleteAccount(ctx, account.ID); err != nil {
		t.Fatalf("deleting account: %v", err)
	}

	boxes, err := s.GetMailboxes(ctx, account.ID)
	if err != nil {
		t.Fatalf("listing mailboxes: %v", err)
	}
	if len(boxes) != 0 {
		t.Errorf("mailboxes survived account deletion: %v", boxes)
	}
	msgs, err := s.GetMessages(ctx, store.MessageFilter{AccountID: &account.ID})
	if err != nil {
		t.Fatalf("listing messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived account deletion: %d", len(msgs))
	}
}

func TestConversationRelabel(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	result, err := s.ApplyChanges(ctx, mb.ID,
		[]protocol.Delta{added("101", "a", false), added("102", "b", false)},
		model.Cursor{Token: "tok", Position: 102},
	)
	if err != nil {
		t.Fatalf("seeding messages: %v", err)
	}

	if err := s.SetConversation(ctx, result.Added[0].ID, "conv-a"); err != nil {
		t.Fatalf("setting conversation: %v", err)
	}
	if err := s.SetConversation(ctx, result.Added[1].ID, "conv-b"); err != nil {
		t.Fatalf("setting conversation: %v", err)
	}

	if err := s.RelabelConversation(ctx, "conv-b", "conv-a"); err != nil {
		t.Fatalf("relabeling: %v", err)
	}

	convID := "conv-a"
	msgs, err := s.GetMessages(ctx, store.MessageFilter{ConversationID: &convID})
	if err != nil {
		t.Fatalf("listing conversation: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected both messages in conv-a, got %d", len(msgs))
	}
}

func TestOutboxLifecycle(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)

	entry := model.OutboxEntry{
		ID:         "out-1",
		AccountID:  account.ID,
		From:       account.Address,
		Recipients: []string{"bob@example.com"},
		Raw:        []byte("Subject: hi\r\n\r\nhello\r\n"),
	}
	if err := s.Enqueue(ctx, entry); err != nil {
		t.Fatalf("enqueuing: %v", err)
	}

	claimed, err := s.NextQueued(ctx, account.ID)
	if err != nil {
		t.Fatalf("claiming: %v", err)
	}
	if claimed == nil || claimed.ID != "out-1" {
		t.Fatalf("expected out-1, got %+v", claimed)
	}
	if claimed.State != model.OutboxSending || claimed.Attempts != 1 {
		t.Errorf("claim did not transition entry: state=%s attempts=%d", claimed.State, claimed.Attempts)
	}

	// A second claim must not see the in-flight entry.
	again, err := s.NextQueued(ctx, account.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Errorf("in-flight entry claimed twice: %+v", again)
	}

	if err := s.MarkOutbox(ctx, "out-1", model.OutboxFailed, "550 rejected"); err != nil {
		t.Fatalf("marking failed: %v", err)
	}

	// Requeue only works on failed entries.
	if err := s.RequeueOutbox(ctx, "out-1"); err != nil {
		t.Fatalf("requeuing: %v", err)
	}
	if err := s.RequeueOutbox(ctx, "out-1"); err == nil {
		t.Error("requeue of a queued entry should fail")
	}

	entries, err := s.GetOutbox(ctx, account.ID)
	if err != nil {
		t.Fatalf("listing outbox: %v", err)
	}
	if len(entries) != 1 || entries[0].State != model.OutboxQueued || entries[0].FailReason != "" {
		t.Errorf("unexpected outbox state: %+v", entries)
	}
}

func TestGetMessagesFilters(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	if _, err := s.ApplyChanges(ctx, mb.ID,
		[]protocol.Delta{added("101", "read", true), added("102", "unread", false)},
		model.Cursor{Token: "tok", Position: 102},
	); err != nil {
		t.Fatalf("seeding messages: %v", err)
	}

	unseen := true
	msgs, err := s.GetMessages(ctx, store.MessageFilter{MailboxID: &mb.ID, Unseen: &unseen})
	if err != nil {
		t.Fatalf("filtering unseen: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Subject != "unread" {
		t.Errorf("unseen filter wrong: %+v", msgs)
	}

	msgs, err = s.GetMessages(ctx, store.MessageFilter{MailboxID: &mb.ID, Limit: 1})
	if err != nil {
		t.Fatalf("limiting: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("limit not applied: %d", len(msgs))
	}
}

func TestResetSendingReclaimsOrphanedClaims(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)

	if err := s.Enqueue(ctx, model.OutboxEntry{
		ID:         "out-1",
		AccountID:  account.ID,
		From:       account.Address,
		Recipients: []string{"bob@example.com"},
		Raw:        []byte("raw"),
	}); err != nil {
		t.Fatalf("enqueuing: %v", err)
	}

	// Claim the entry, then never record an outcome, as a crash or a
	// cancelled cycle between claim and send would.
	if _, err := s.NextQueued(ctx, account.ID); err != nil {
		t.Fatalf("claiming: %v", err)
	}
	if again, _ := s.NextQueued(ctx, account.ID); again != nil {
		t.Fatalf("in-flight entry claimed twice: %+v", again)
	}

	n, err := s.ResetSending(ctx, account.ID)
	if err != nil {
		t.Fatalf("resetting sending: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reclaimed entry, got %d", n)
	}

	reclaimed, err := s.NextQueued(ctx, account.ID)
	if err != nil {
		t.Fatalf("reclaiming: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != "out-1" {
		t.Fatalf("orphaned entry not claimable again: %+v", reclaimed)
	}
	if reclaimed.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", reclaimed.Attempts)
	}

	// Terminal entries stay put.
	if err := s.MarkOutbox(ctx, "out-1", model.OutboxSent, ""); err != nil {
		t.Fatalf("marking sent: %v", err)
	}
	if n, _ := s.ResetSending(ctx, account.ID); n != 0 {
		t.Errorf("reset touched a terminal entry: %d", n)
	}
}

func TestFailedApplyLeavesCursorAndCacheUntouched(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s)
	mb := seedMailbox(t, s, account.ID, "INBOX")

	// Abort the transaction partway through the batch, after the first
	// delta has been applied but before the cursor is written.
	if _, err := s.DB().Exec(`
		CREATE TRIGGER storage_fault BEFORE INSERT ON messages
		WHEN NEW.server_id = '102' BEGIN
			SELECT RAISE(ABORT, 'disk I/O error');
		END`); err != nil {
		t.Fatalf("installing fault trigger: %v", err)
	}

	deltas := []protocol.Delta{added("101", "first", false), added("102", "second", false)}
	cur := model.Cursor{Token: "tok", Position: 102}

	_, err := s.ApplyChanges(ctx, mb.ID, deltas, cur)
	if err == nil {
		t.Fatal("expected apply to fail")
	}
	if !store.IsStoreError(err) {
		t.Errorf("apply failure not a store error: %v", err)
	}

	reloaded, err := s.GetMailbox(ctx, mb.ID)
	if err != nil {
		t.Fatalf("reloading mailbox: %v", err)
	}
	if reloaded.StabilityToken != "" || reloaded.CursorPos != 0 {
		t.Errorf("cursor advanced without data: token=%q pos=%d",
			reloaded.StabilityToken, reloaded.CursorPos)
	}
	known, err := s.KnownServerIDs(ctx, mb.ID)
	if err != nil {
		t.Fatalf("listing server ids: %v", err)
	}
	if len(known) != 0 {
		t.Errorf("partial batch persisted: %v", known)
	}

	// Once the fault clears the same batch applies cleanly.
	if _, err := s.DB().Exec("DROP TRIGGER storage_fault"); err != nil {
		t.Fatalf("dropping fault trigger: %v", err)
	}
	result, err := s.ApplyChanges(ctx, mb.ID, deltas, cur)
	if err != nil {
		t.Fatalf("reapplying: %v", err)
	}
	if len(result.Added) != 2 {
		t.Errorf("expected 2 added on reapply, got %d", len(result.Added))
	}
	reloaded, _ = s.GetMailbox(ctx, mb.ID)
	if reloaded.CursorPos != 102 {
		t.Errorf("cursor not advanced after clean apply: %d", reloaded.CursorPos)
	}
}
