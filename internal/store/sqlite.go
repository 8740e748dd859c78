package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/mailden/mailden/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	policy FlagPolicy
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string, policy FlagPolicy) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, policy: policy}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components that share the
// database file, such as the search indexer's FTS table.
func (s *SQLiteStore) DB() *sqlx.DB {
	return s.db
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertAccount inserts or replaces an account record.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, account model.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, protocol, auth, address, credential_ref)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			protocol = excluded.protocol,
			auth = excluded.auth,
			address = excluded.address,
			credential_ref = excluded.credential_ref`,
		account.ID, account.Name, string(account.Protocol),
		string(account.Auth), account.Address, account.CredentialRef,
	)
	if err != nil {
		return &StoreError{Op: "upsert account", Err: err}
	}
	return nil
}

// DeleteAccount removes an account; mailboxes, messages, cursors and
// outbox entries cascade.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id); err != nil {
		return &StoreError{Op: "delete account", Err: err}
	}
	return nil
}

// GetAccounts retrieves all stored accounts.
func (s *SQLiteStore) GetAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, name, protocol, auth, address, credential_ref FROM accounts ORDER BY name",
	)
	if err != nil {
		return nil, &StoreError{Op: "query accounts", Err: err}
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var proto, auth string
		if err := rows.Scan(&a.ID, &a.Name, &proto, &auth, &a.Address, &a.CredentialRef); err != nil {
			return nil, &StoreError{Op: "scan account", Err: err}
		}
		a.Protocol = model.Protocol(proto)
		a.Auth = model.AuthMethod(auth)
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

// UpsertMailbox creates the mailbox if it does not exist and returns
// its current state, including cursor and stability token.
func (s *SQLiteStore) UpsertMailbox(ctx context.Context, accountID, name string, role model.MailboxRole) (model.Mailbox, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailboxes (id, account_id, name, role)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET role = excluded.role`,
		id, accountID, name, string(role),
	)
	if err != nil {
		return model.Mailbox{}, &StoreError{Op: "upsert mailbox", Err: err}
	}

	var mb model.Mailbox
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, account_id, name, role, stability_token, cursor_pos
		FROM mailboxes WHERE account_id = ? AND name = ?`,
		accountID, name,
	)
	if err := scanMailbox(row, &mb); err != nil {
		return model.Mailbox{}, &StoreError{Op: "reload mailbox", Err: err}
	}
	return mb, nil
}

// GetMailboxes retrieves all mailboxes of an account.
func (s *SQLiteStore) GetMailboxes(ctx context.Context, accountID string) ([]model.Mailbox, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, account_id, name, role, stability_token, cursor_pos
		FROM mailboxes WHERE account_id = ? ORDER BY name`,
		accountID,
	)
	if err != nil {
		return nil, &StoreError{Op: "query mailboxes", Err: err}
	}
	defer rows.Close()

	var boxes []model.Mailbox
	for rows.Next() {
		var mb model.Mailbox
		if err := scanMailbox(rows, &mb); err != nil {
			return nil, &StoreError{Op: "scan mailbox", Err: err}
		}
		boxes = append(boxes, mb)
	}

	return boxes, rows.Err()
}

// GetMailbox retrieves a single mailbox by its local ID.
func (s *SQLiteStore) GetMailbox(ctx context.Context, id string) (*model.Mailbox, error) {
	var mb model.Mailbox
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, account_id, name, role, stability_token, cursor_pos
		FROM mailboxes WHERE id = ?`,
		id,
	)
	if err := scanMailbox(row, &mb); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &StoreError{Op: "get mailbox", Err: sql.ErrNoRows}
		}
		return nil, &StoreError{Op: "get mailbox", Err: err}
	}
	return &mb, nil
}

// rowScanner is satisfied by both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMailbox(row rowScanner, mb *model.Mailbox) error {
	var role string
	if err := row.Scan(&mb.ID, &mb.AccountID, &mb.Name, &role, &mb.StabilityToken, &mb.CursorPos); err != nil {
		return err
	}
	mb.Role = model.MailboxRole(role)
	return nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
