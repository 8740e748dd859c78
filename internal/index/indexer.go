// Package index maintains the full-text search table over cached
// messages. Indexing runs asynchronously off the event hub so a sync
// cycle never waits on it; search availability lags message arrival
// by design.
package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/mailden/mailden/internal/event"
	"github.com/mailden/mailden/internal/protocol"
)

// Hit is one search result, newest first.
type Hit struct {
	MessageID string `db:"message_id"`
	Subject   string `db:"subject"`
	Sender    string `db:"sender"`
	Snippet   string `db:"snippet"`
}

// Indexer consumes message events and keeps the FTS table current. It
// shares the store's database file; the messages_fts virtual table is
// created by the store's migrations.
type Indexer struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewIndexer wraps the shared database handle.
func NewIndexer(db *sqlx.DB, log zerolog.Logger) *Indexer {
	return &Indexer{
		db:  db,
		log: log.With().Str("component", "index").Logger(),
	}
}

// Run drains the event channel until it closes or the context ends.
// Indexing failures are logged and skipped; a message missing from the
// index is re-indexable, a stalled consumer is not.
func (ix *Indexer) Run(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := ix.handle(ctx, ev); err != nil {
				ix.log.Error().Err(err).
					Str("kind", ev.Kind.String()).
					Str("message_id", ev.MessageID).
					Msg("indexing event failed")
			}
		}
	}
}

// Reconcile backfills index rows for messages the event stream missed.
// The hub drops events rather than block a sync cycle, and a shutdown
// can discard buffered ones, so startup walks the store for messages
// absent from the index and re-creates their rows. Returns the number
// of messages backfilled.
func (ix *Indexer) Reconcile(ctx context.Context) (int, error) {
	type missing struct {
		ID      string `db:"id"`
		Subject string `db:"subject"`
		Sender  string `db:"sender"`
		Body    []byte `db:"body"`
	}

	var rows []missing
	err := ix.db.SelectContext(ctx, &rows, `
		SELECT id, subject, sender, body
		FROM messages
		WHERE id NOT IN (SELECT message_id FROM messages_fts)`)
	if err != nil {
		return 0, fmt.Errorf("finding unindexed messages: %w", err)
	}

	for _, m := range rows {
		text := ""
		if len(m.Body) > 0 {
			text = bodyText(m.Body)
		}
		if _, err := ix.db.ExecContext(ctx,
			"INSERT INTO messages_fts (message_id, subject, sender, body) VALUES (?, ?, ?, ?)",
			m.ID, m.Subject, m.Sender, text,
		); err != nil {
			return 0, fmt.Errorf("backfilling index row: %w", err)
		}
	}
	if len(rows) > 0 {
		ix.log.Info().Int("messages", len(rows)).Msg("backfilled search index")
	}
	return len(rows), nil
}

func (ix *Indexer) handle(ctx context.Context, ev event.Event) error {
	switch ev.Kind {
	case event.MessageStored:
		if ev.Message == nil {
			return nil
		}
		return ix.indexSummary(ctx, ev.MessageID, ev.Message.Subject, ev.Message.From)
	case event.MessageRemoved:
		return ix.remove(ctx, ev.MessageID)
	default:
		return nil
	}
}

func (ix *Indexer) indexSummary(ctx context.Context, messageID, subject, sender string) error {
	// Delete-then-insert keeps re-delivery of the same event idempotent.
	if _, err := ix.db.ExecContext(ctx,
		"DELETE FROM messages_fts WHERE message_id = ?", messageID,
	); err != nil {
		return fmt.Errorf("clearing index row: %w", err)
	}
	if _, err := ix.db.ExecContext(ctx,
		"INSERT INTO messages_fts (message_id, subject, sender, body) VALUES (?, ?, ?, '')",
		messageID, subject, sender,
	); err != nil {
		return fmt.Errorf("inserting index row: %w", err)
	}
	return nil
}

// UpdateBody replaces the indexed body text once the full message has
// been fetched and parsed. Called by the sync coordinator after a body
// fetch; the summary row must already exist, but a dropped stored
// event is tolerated by inserting fresh.
func (ix *Indexer) UpdateBody(ctx context.Context, messageID string, raw []byte) error {
	text := bodyText(raw)

	res, err := ix.db.ExecContext(ctx,
		"UPDATE messages_fts SET body = ? WHERE message_id = ?",
		text, messageID,
	)
	if err != nil {
		return fmt.Errorf("updating index body: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := ix.db.ExecContext(ctx,
			"INSERT INTO messages_fts (message_id, subject, sender, body) VALUES (?, '', '', ?)",
			messageID, text,
		); err != nil {
			return fmt.Errorf("inserting index body: %w", err)
		}
	}
	return nil
}

func (ix *Indexer) remove(ctx context.Context, messageID string) error {
	if _, err := ix.db.ExecContext(ctx,
		"DELETE FROM messages_fts WHERE message_id = ?", messageID,
	); err != nil {
		return fmt.Errorf("removing index row: %w", err)
	}
	return nil
}

// Search queries the FTS table. Queries FTS5 cannot parse (unbalanced
// quotes, stray operators) fall back to a substring scan so the user
// always gets an answer.
func (ix *Indexer) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var hits []Hit
	err := ix.db.SelectContext(ctx, &hits, `
		SELECT message_id, subject, sender,
		       snippet(messages_fts, 3, '', '', '…', 12) AS snippet
		FROM messages_fts
		WHERE messages_fts MATCH ?
		ORDER BY rank
		LIMIT ?`,
		query, limit,
	)
	if err != nil {
		ix.log.Debug().Err(err).Str("query", query).Msg("fts query failed, falling back to substring scan")
		return ix.searchLike(ctx, query, limit)
	}
	return hits, nil
}

func (ix *Indexer) searchLike(ctx context.Context, query string, limit int) ([]Hit, error) {
	pattern := "%" + strings.ReplaceAll(query, "%", "") + "%"
	var hits []Hit
	err := ix.db.SelectContext(ctx, &hits, `
		SELECT message_id, subject, sender, '' AS snippet
		FROM messages_fts
		WHERE subject LIKE ? OR sender LIKE ? OR body LIKE ?
		LIMIT ?`,
		pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	return hits, nil
}

// bodyText extracts the plain text of a raw message for indexing.
func bodyText(raw []byte) string {
	parsed := protocol.ParseRaw(raw)
	if parsed.TextBody != "" {
		return parsed.TextBody
	}
	return stripTags(parsed.HTMLBody)
}

// stripTags is a crude tag remover for HTML-only messages; search does
// not need markup fidelity.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
