package index_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mailden/mailden/internal/event"
	"github.com/mailden/mailden/internal/index"
	"github.com/mailden/mailden/internal/model"
	"github.com/mailden/mailden/internal/protocol"
	"github.com/mailden/mailden/tests/testutil"
)

func storedEvent(id, subject, from string) event.Event {
	return event.Event{
		Kind:      event.MessageStored,
		MessageID: id,
		Message:   &model.Message{ID: id, Subject: subject, From: from},
	}
}

func runEvents(t *testing.T, ix *index.Indexer, events ...event.Event) {
	t.Helper()

	ch := make(chan event.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	ix.Run(context.Background(), ch)
}

func TestSearchFindsIndexedSubjectAndSender(t *testing.T) {
	st := testutil.NewTestStore(t)
	ix := index.NewIndexer(st.DB(), zerolog.Nop())

	runEvents(t, ix,
		storedEvent("m1", "quarterly report", "alice@example.com"),
		storedEvent("m2", "lunch plans", "bob@example.com"),
	)

	hits, err := ix.Search(context.Background(), "quarterly", 10)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != "m1" {
		t.Errorf("expected m1, got %+v", hits)
	}

	hits, err = ix.Search(context.Background(), "bob", 10)
	if err != nil {
		t.Fatalf("sender search: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != "m2" {
		t.Errorf("expected m2 by sender, got %+v", hits)
	}
}

func TestBodyBecomesSearchableAfterUpdate(t *testing.T) {
	st := testutil.NewTestStore(t)
	ix := index.NewIndexer(st.DB(), zerolog.Nop())
	ctx := context.Background()

	runEvents(t, ix, storedEvent("m1", "hello", "alice@example.com"))

	hits, err := ix.Search(ctx, "zanzibar", 10)
	if err != nil {
		t.Fatalf("pre-body search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("body text searchable before fetch: %+v", hits)
	}

	raw := []byte("Subject: hello\r\nContent-Type: text/plain\r\n\r\nmeet me in zanzibar\r\n")
	if err := ix.UpdateBody(ctx, "m1", raw); err != nil {
		t.Fatalf("updating body: %v", err)
	}

	hits, err = ix.Search(ctx, "zanzibar", 10)
	if err != nil {
		t.Fatalf("post-body search: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != "m1" {
		t.Errorf("body not searchable: %+v", hits)
	}
}

func TestRemovedMessageLeavesIndex(t *testing.T) {
	st := testutil.NewTestStore(t)
	ix := index.NewIndexer(st.DB(), zerolog.Nop())

	runEvents(t, ix,
		storedEvent("m1", "quarterly report", "alice@example.com"),
		event.Event{Kind: event.MessageRemoved, MessageID: "m1"},
	)

	hits, err := ix.Search(context.Background(), "quarterly", 10)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("removed message still indexed: %+v", hits)
	}
}

func TestDuplicateStoredEventIsIdempotent(t *testing.T) {
	st := testutil.NewTestStore(t)
	ix := index.NewIndexer(st.DB(), zerolog.Nop())

	ev := storedEvent("m1", "quarterly report", "alice@example.com")
	runEvents(t, ix, ev, ev)

	hits, err := ix.Search(context.Background(), "quarterly", 10)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("duplicate event produced %d rows", len(hits))
	}
}

func TestMalformedQueryFallsBackToSubstringScan(t *testing.T) {
	st := testutil.NewTestStore(t)
	ix := index.NewIndexer(st.DB(), zerolog.Nop())

	runEvents(t, ix, storedEvent("m1", "a \"quoted\" subject", "alice@example.com"))

	// An unbalanced quote is not valid FTS5 syntax.
	hits, err := ix.Search(context.Background(), `"quoted`, 10)
	if err != nil {
		t.Fatalf("fallback search: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != "m1" {
		t.Errorf("fallback missed the message: %+v", hits)
	}
}

func TestReconcileBackfillsDroppedMessages(t *testing.T) {
	st := testutil.NewTestStore(t)
	ix := index.NewIndexer(st.DB(), zerolog.Nop())
	ctx := context.Background()

	account := model.Account{
		ID: "acct-1", Name: "Work", Protocol: model.ProtocolIMAP,
		Auth: model.AuthPassword, Address: "user@example.com",
	}
	if err := st.UpsertAccount(ctx, account); err != nil {
		t.Fatalf("upserting account: %v", err)
	}
	mb, err := st.UpsertMailbox(ctx, account.ID, "INBOX", model.RoleInbox)
	if err != nil {
		t.Fatalf("upserting mailbox: %v", err)
	}

	result, err := st.ApplyChanges(ctx, mb.ID, []protocol.Delta{
		{Kind: protocol.DeltaAdded, ServerID: "101", Summary: &protocol.MessageSummary{
			Subject: "quarterly report", From: "alice@example.com",
		}},
		{Kind: protocol.DeltaAdded, ServerID: "102", Summary: &protocol.MessageSummary{
			Subject: "lunch plans", From: "bob@example.com",
		}},
	}, model.Cursor{Token: "tok", Position: 102})
	if err != nil {
		t.Fatalf("seeding messages: %v", err)
	}
	delivered, dropped := result.Added[0], result.Added[1]

	// Only one stored event reaches the indexer; the other is lost the
	// way a full hub buffer or a shutdown mid-drain loses it. The
	// dropped message also has a fetched body on disk.
	raw := []byte("Subject: lunch plans\r\nContent-Type: text/plain\r\n\r\nmeet me in zanzibar\r\n")
	if err := st.SetBody(ctx, dropped.ID, raw); err != nil {
		t.Fatalf("setting body: %v", err)
	}
	runEvents(t, ix, storedEvent(delivered.ID, delivered.Subject, delivered.From))

	if hits, _ := ix.Search(ctx, "lunch", 10); len(hits) != 0 {
		t.Fatalf("dropped message searchable before reconcile: %+v", hits)
	}

	n, err := ix.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconciling: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 backfilled message, got %d", n)
	}

	hits, err := ix.Search(ctx, "lunch", 10)
	if err != nil {
		t.Fatalf("searching backfilled subject: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != dropped.ID {
		t.Errorf("backfilled message not searchable: %+v", hits)
	}

	// The stored body text is indexed too, not just the summary.
	hits, err = ix.Search(ctx, "zanzibar", 10)
	if err != nil {
		t.Fatalf("searching backfilled body: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != dropped.ID {
		t.Errorf("backfilled body not searchable: %+v", hits)
	}

	// Already-indexed rows are left alone.
	hits, _ = ix.Search(ctx, "quarterly", 10)
	if len(hits) != 1 {
		t.Errorf("reconcile duplicated an indexed message: %d rows", len(hits))
	}
	if n, err := ix.Reconcile(ctx); err != nil || n != 0 {
		t.Errorf("second reconcile not a no-op: n=%d err=%v", n, err)
	}
}
