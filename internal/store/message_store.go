package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailden/mailden/internal/model"
	"github.com/mailden/mailden/internal/protocol"
)

// ApplyChanges applies one delta batch plus the cursor advance in a
// single transaction. Flag changes respect the configured conflict
// policy: under LocalWins a dirty message is skipped until its local
// change has been pushed.
func (s *SQLiteStore) ApplyChanges(ctx context.Context, mailboxID string, deltas []protocol.Delta, cur model.Cursor) (*ApplyResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &StoreError{Op: "begin apply", Err: err}
	}
	defer tx.Rollback()

	var mb model.Mailbox
	row := tx.QueryRowxContext(ctx, `
		SELECT id, account_id, name, role, stability_token, cursor_pos
		FROM mailboxes WHERE id = ?`,
		mailboxID,
	)
	if err := scanMailbox(row, &mb); err != nil {
		return nil, &StoreError{Op: "load mailbox for apply", Err: err}
	}

	result := &ApplyResult{}
	now := time.Now().UTC()

	for _, d := range deltas {
		switch d.Kind {
		case protocol.DeltaAdded:
			msg, inserted, err := s.insertMessage(ctx, tx, mb, d, now)
			if err != nil {
				return nil, err
			}
			if inserted {
				result.Added = append(result.Added, msg)
			}

		case protocol.DeltaFlagsChanged:
			id, err := s.applyRemoteFlags(ctx, tx, mailboxID, d)
			if err != nil {
				return nil, err
			}
			if id != "" {
				result.Updated = append(result.Updated, id)
			}

		case protocol.DeltaRemoved:
			var id string
			err := tx.GetContext(ctx, &id,
				"SELECT id FROM messages WHERE mailbox_id = ? AND server_id = ?",
				mailboxID, d.ServerID,
			)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return nil, &StoreError{Op: "lookup removed message", Err: err}
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
				return nil, &StoreError{Op: "delete message", Err: err}
			}
			result.Removed = append(result.Removed, id)
		}
	}

	// The cursor never moves backwards under an unchanged token.
	pos := cur.Position
	if cur.Token == mb.StabilityToken && mb.CursorPos > pos {
		pos = mb.CursorPos
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE mailboxes SET stability_token = ?, cursor_pos = ? WHERE id = ?",
		cur.Token, pos, mailboxID,
	); err != nil {
		return nil, &StoreError{Op: "advance cursor", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreError{Op: "commit apply", Err: err}
	}
	return result, nil
}

func (s *SQLiteStore) insertMessage(ctx context.Context, tx *sqlx.Tx, mb model.Mailbox, d protocol.Delta, now time.Time) (model.Message, bool, error) {
	sum := d.Summary
	if sum == nil {
		sum = &protocol.MessageSummary{}
	}

	recipients, err := json.Marshal(sum.To)
	if err != nil {
		return model.Message{}, false, &StoreError{Op: "marshal recipients", Err: err}
	}

	msg := model.Message{
		ID:         uuid.New().String(),
		AccountID:  mb.AccountID,
		MailboxID:  mb.ID,
		ServerID:   d.ServerID,
		Subject:    sum.Subject,
		From:       sum.From,
		To:         sum.To,
		Date:       sum.Date,
		Size:       sum.Size,
		MessageID:  sum.MessageID,
		InReplyTo:  sum.InReplyTo,
		References: sum.References,
		Flags:      d.Flags,
		BodyState:  model.BodyNone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, account_id, mailbox_id, server_id,
			subject, sender, recipients, date, size,
			message_id, in_reply_to, refs,
			seen, starred, deleted,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox_id, server_id) DO NOTHING`,
		msg.ID, msg.AccountID, msg.MailboxID, msg.ServerID,
		msg.Subject, msg.From, string(recipients), msg.Date.UTC(), msg.Size,
		msg.MessageID, msg.InReplyTo, strings.Join(msg.References, " "),
		boolToInt(msg.Flags.Seen), boolToInt(msg.Flags.Starred), boolToInt(msg.Flags.Deleted),
		now, now,
	)
	if err != nil {
		return model.Message{}, false, &StoreError{Op: "insert message", Err: err}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return model.Message{}, false, &StoreError{Op: "insert message", Err: err}
	}
	return msg, n > 0, nil
}

func (s *SQLiteStore) applyRemoteFlags(ctx context.Context, tx *sqlx.Tx, mailboxID string, d protocol.Delta) (string, error) {
	var (
		id    string
		dirty int
	)
	err := tx.QueryRowxContext(ctx,
		"SELECT id, flags_dirty FROM messages WHERE mailbox_id = ? AND server_id = ?",
		mailboxID, d.ServerID,
	).Scan(&id, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &StoreError{Op: "lookup flagged message", Err: err}
	}

	if dirty == 1 && s.policy == LocalWins {
		// The local change has not been pushed yet; the remote state
		// is applied on a later cycle, after the push.
		return "", nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET seen = ?, starred = ?, deleted = ?, flags_dirty = 0, updated_at = ?
		WHERE id = ? AND (seen != ? OR starred != ? OR deleted != ? OR flags_dirty != 0)`,
		boolToInt(d.Flags.Seen), boolToInt(d.Flags.Starred), boolToInt(d.Flags.Deleted),
		time.Now().UTC(), id,
		boolToInt(d.Flags.Seen), boolToInt(d.Flags.Starred), boolToInt(d.Flags.Deleted),
	)
	if err != nil {
		return "", &StoreError{Op: "apply remote flags", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", nil
	}
	return id, nil
}

// InvalidateMailbox purges every cached message in the mailbox and
// resets its stability token and cursor, all in one transaction.
func (s *SQLiteStore) InvalidateMailbox(ctx context.Context, mailboxID string) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &StoreError{Op: "begin invalidate", Err: err}
	}
	defer tx.Rollback()

	var ids []string
	if err := tx.SelectContext(ctx, &ids,
		"SELECT id FROM messages WHERE mailbox_id = ?", mailboxID,
	); err != nil {
		return nil, &StoreError{Op: "list invalidated messages", Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE mailbox_id = ?", mailboxID,
	); err != nil {
		return nil, &StoreError{Op: "purge mailbox", Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE mailboxes SET stability_token = '', cursor_pos = 0 WHERE id = ?",
		mailboxID,
	); err != nil {
		return nil, &StoreError{Op: "reset cursor", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreError{Op: "commit invalidate", Err: err}
	}
	return ids, nil
}

// KnownServerIDs lists the server IDs cached for a mailbox.
func (s *SQLiteStore) KnownServerIDs(ctx context.Context, mailboxID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT server_id FROM messages WHERE mailbox_id = ? ORDER BY server_id",
		mailboxID,
	)
	if err != nil {
		return nil, &StoreError{Op: "list server ids", Err: err}
	}
	return ids, nil
}

// SetLocalFlags applies a UI-originated flag change immediately and
// marks the message dirty for the next reconciliation push.
func (s *SQLiteStore) SetLocalFlags(ctx context.Context, messageID string, flags model.FlagSet) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET seen = ?, starred = ?, deleted = ?, flags_dirty = 1, updated_at = ?
		WHERE id = ?`,
		boolToInt(flags.Seen), boolToInt(flags.Starred), boolToInt(flags.Deleted),
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return &StoreError{Op: "set local flags", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &StoreError{Op: "set local flags", Err: fmt.Errorf("message %s not found", messageID)}
	}
	return nil
}

// DirtyMessages lists messages with unpushed local flag changes.
func (s *SQLiteStore) DirtyMessages(ctx context.Context, accountID string) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx,
		messageSelect+" WHERE account_id = ? AND flags_dirty = 1 ORDER BY updated_at",
		accountID,
	)
	if err != nil {
		return nil, &StoreError{Op: "query dirty messages", Err: err}
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ClearDirty drops the dirty marker only when the stored flags still
// match the pushed state; a flag changed again mid-push stays dirty.
func (s *SQLiteStore) ClearDirty(ctx context.Context, messageID string, pushed model.FlagSet) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET flags_dirty = 0
		WHERE id = ? AND seen = ? AND starred = ? AND deleted = ?`,
		messageID,
		boolToInt(pushed.Seen), boolToInt(pushed.Starred), boolToInt(pushed.Deleted),
	)
	if err != nil {
		return &StoreError{Op: "clear dirty", Err: err}
	}
	return nil
}

// SetBody stores the raw message body and marks it fully fetched.
func (s *SQLiteStore) SetBody(ctx context.Context, messageID string, raw []byte) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET body = ?, body_state = ?, updated_at = ? WHERE id = ?",
		raw, int(model.BodyFetched), time.Now().UTC(), messageID,
	)
	if err != nil {
		return &StoreError{Op: "set body", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &StoreError{Op: "set body", Err: fmt.Errorf("message %s not found", messageID)}
	}
	return nil
}

// GetBody retrieves the raw message body, or nil when only the header
// summary has been fetched.
func (s *SQLiteStore) GetBody(ctx context.Context, messageID string) ([]byte, error) {
	var body []byte
	err := s.db.GetContext(ctx, &body,
		"SELECT body FROM messages WHERE id = ?", messageID,
	)
	if err != nil {
		return nil, &StoreError{Op: "get body", Err: err}
	}
	return body, nil
}

const messageSelect = `
	SELECT id, account_id, mailbox_id, server_id,
	       subject, sender, recipients, date, size,
	       message_id, in_reply_to, refs,
	       seen, starred, deleted, flags_dirty,
	       body_state, conversation_id, created_at, updated_at
	FROM messages`

// GetMessage retrieves a single message by its local ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, messageSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, &StoreError{Op: "get message", Err: err}
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, &StoreError{Op: "get message", Err: sql.ErrNoRows}
	}
	return &msgs[0], nil
}

// GetMessages retrieves messages matching the provided filter.
func (s *SQLiteStore) GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	var conditions []string
	var args []interface{}

	if filter.AccountID != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, *filter.AccountID)
	}
	if filter.MailboxID != nil {
		conditions = append(conditions, "mailbox_id = ?")
		args = append(args, *filter.MailboxID)
	}
	if filter.ConversationID != nil {
		conditions = append(conditions, "conversation_id = ?")
		args = append(args, *filter.ConversationID)
	}
	if filter.Unseen != nil {
		if *filter.Unseen {
			conditions = append(conditions, "seen = 0")
		} else {
			conditions = append(conditions, "seen = 1")
		}
	}
	if filter.Since != nil {
		conditions = append(conditions, "date >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		conditions = append(conditions, "date < ?")
		args = append(args, filter.Until.UTC())
	}

	query := messageSelect
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY date DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "query messages", Err: err}
	}
	defer rows.Close()
	return collectMessages(rows)
}

// SetConversation assigns a message to a conversation.
func (s *SQLiteStore) SetConversation(ctx context.Context, messageID, conversationID string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE messages SET conversation_id = ? WHERE id = ?",
		conversationID, messageID,
	); err != nil {
		return &StoreError{Op: "set conversation", Err: err}
	}
	return nil
}

// RelabelConversation moves all messages from one conversation to
// another when the threading engine merges them.
func (s *SQLiteStore) RelabelConversation(ctx context.Context, oldID, newID string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE messages SET conversation_id = ? WHERE conversation_id = ?",
		newID, oldID,
	); err != nil {
		return &StoreError{Op: "relabel conversation", Err: err}
	}
	return nil
}

// ThreadSeeds returns the threading projection of every cached message.
func (s *SQLiteStore) ThreadSeeds(ctx context.Context) ([]ThreadSeed, error) {
	var seeds []ThreadSeed
	err := s.db.SelectContext(ctx, &seeds,
		"SELECT id, message_id, in_reply_to, refs, conversation_id FROM messages ORDER BY created_at",
	)
	if err != nil {
		return nil, &StoreError{Op: "query thread seeds", Err: err}
	}
	return seeds, nil
}

func collectMessages(rows *sqlx.Rows) ([]model.Message, error) {
	var msgs []model.Message
	for rows.Next() {
		var (
			msg        model.Message
			recipients string
			refs       string
			date       sql.NullTime
			seen       int
			starred    int
			deleted    int
			dirty      int
			bodyState  int
		)
		err := rows.Scan(
			&msg.ID, &msg.AccountID, &msg.MailboxID, &msg.ServerID,
			&msg.Subject, &msg.From, &recipients, &date, &msg.Size,
			&msg.MessageID, &msg.InReplyTo, &refs,
			&seen, &starred, &deleted, &dirty,
			&bodyState, &msg.ConversationID, &msg.CreatedAt, &msg.UpdatedAt,
		)
		if err != nil {
			return nil, &StoreError{Op: "scan message", Err: err}
		}

		if date.Valid {
			msg.Date = date.Time
		}
		if recipients != "" {
			if err := json.Unmarshal([]byte(recipients), &msg.To); err != nil {
				return nil, &StoreError{Op: "unmarshal recipients", Err: err}
			}
		}
		if refs != "" {
			msg.References = strings.Fields(refs)
		}
		msg.Flags = model.FlagSet{Seen: seen != 0, Starred: starred != 0, Deleted: deleted != 0}
		msg.FlagsDirty = dirty != 0
		msg.BodyState = model.BodyState(bodyState)

		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
