package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mailden/mailden/internal/model"
)

// Enqueue adds a new entry to the outbox in the Queued state.
func (s *SQLiteStore) Enqueue(ctx context.Context, entry model.OutboxEntry) error {
	recipients, err := json.Marshal(entry.Recipients)
	if err != nil {
		return &StoreError{Op: "marshal outbox recipients", Err: err}
	}

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, account_id, from_addr, recipients, raw, state, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		entry.ID, entry.AccountID, entry.From, string(recipients), entry.Raw,
		string(model.OutboxQueued), entry.CreatedAt, now,
	); err != nil {
		return &StoreError{Op: "enqueue outbox", Err: err}
	}
	return nil
}

// NextQueued claims the oldest queued entry for the account, moving it
// to Sending so a second drain pass cannot pick it up. Returns nil
// when the queue is empty.
func (s *SQLiteStore) NextQueued(ctx context.Context, accountID string) (*model.OutboxEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &StoreError{Op: "begin outbox claim", Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx,
		outboxSelect+" WHERE account_id = ? AND state = ? ORDER BY created_at LIMIT 1",
		accountID, string(model.OutboxQueued),
	)
	if err != nil {
		return nil, &StoreError{Op: "query queued outbox", Err: err}
	}
	entries, err := collectOutbox(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	entry := entries[0]

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"UPDATE outbox SET state = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?",
		string(model.OutboxSending), now, entry.ID,
	); err != nil {
		return nil, &StoreError{Op: "claim outbox entry", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &StoreError{Op: "commit outbox claim", Err: err}
	}

	entry.State = model.OutboxSending
	entry.Attempts++
	entry.UpdatedAt = now
	return &entry, nil
}

// ResetSending returns every Sending entry for the account to Queued.
// A claim is only valid for the duration of one submit attempt; any
// entry still marked Sending at the start of a drain pass was orphaned
// by a crash or a cancelled cycle and must become claimable again.
func (s *SQLiteStore) ResetSending(ctx context.Context, accountID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET state = ?, updated_at = ? WHERE account_id = ? AND state = ?",
		string(model.OutboxQueued), time.Now().UTC(), accountID, string(model.OutboxSending),
	)
	if err != nil {
		return 0, &StoreError{Op: "reset sending outbox", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkOutbox records the terminal or retry outcome of a send attempt.
func (s *SQLiteStore) MarkOutbox(ctx context.Context, id string, state model.OutboxState, failReason string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET state = ?, fail_reason = ?, updated_at = ? WHERE id = ?",
		string(state), failReason, time.Now().UTC(), id,
	)
	if err != nil {
		return &StoreError{Op: "mark outbox", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &StoreError{Op: "mark outbox", Err: fmt.Errorf("outbox entry %s not found", id)}
	}
	return nil
}

// RequeueOutbox returns a failed entry to Queued. Only failed entries
// can be requeued; it is how a user retries a rejected message.
func (s *SQLiteStore) RequeueOutbox(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET state = ?, fail_reason = '', updated_at = ? WHERE id = ? AND state = ?",
		string(model.OutboxQueued), time.Now().UTC(), id, string(model.OutboxFailed),
	)
	if err != nil {
		return &StoreError{Op: "requeue outbox", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &StoreError{Op: "requeue outbox", Err: fmt.Errorf("outbox entry %s not failed", id)}
	}
	return nil
}

// GetOutbox lists every outbox entry for the account, oldest first.
func (s *SQLiteStore) GetOutbox(ctx context.Context, accountID string) ([]model.OutboxEntry, error) {
	rows, err := s.db.QueryxContext(ctx,
		outboxSelect+" WHERE account_id = ? ORDER BY created_at",
		accountID,
	)
	if err != nil {
		return nil, &StoreError{Op: "query outbox", Err: err}
	}
	defer rows.Close()
	return collectOutbox(rows)
}

const outboxSelect = `
	SELECT id, account_id, from_addr, recipients, raw, state, fail_reason, attempts, created_at, updated_at
	FROM outbox`

func collectOutbox(rows *sqlx.Rows) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	for rows.Next() {
		var (
			entry      model.OutboxEntry
			recipients string
			state      string
		)
		err := rows.Scan(
			&entry.ID, &entry.AccountID, &entry.From, &recipients, &entry.Raw,
			&state, &entry.FailReason, &entry.Attempts, &entry.CreatedAt, &entry.UpdatedAt,
		)
		if err != nil {
			return nil, &StoreError{Op: "scan outbox entry", Err: err}
		}
		if recipients != "" {
			if err := json.Unmarshal([]byte(recipients), &entry.Recipients); err != nil {
				return nil, &StoreError{Op: "unmarshal outbox recipients", Err: err}
			}
		}
		entry.State = model.OutboxState(state)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
