package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	protocol       TEXT NOT NULL,
	auth           TEXT NOT NULL,
	address        TEXT NOT NULL,
	credential_ref TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS mailboxes (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	role            TEXT NOT NULL DEFAULT 'custom',
	stability_token TEXT NOT NULL DEFAULT '',
	cursor_pos      INTEGER NOT NULL DEFAULT 0,
	UNIQUE(account_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	mailbox_id      TEXT NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
	server_id       TEXT NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	sender          TEXT NOT NULL DEFAULT '',
	recipients      TEXT NOT NULL DEFAULT '',
	date            DATETIME,
	size            INTEGER NOT NULL DEFAULT 0,
	message_id      TEXT NOT NULL DEFAULT '',
	in_reply_to     TEXT NOT NULL DEFAULT '',
	refs            TEXT NOT NULL DEFAULT '',
	seen            INTEGER NOT NULL DEFAULT 0 CHECK(seen IN (0, 1)),
	starred         INTEGER NOT NULL DEFAULT 0 CHECK(starred IN (0, 1)),
	deleted         INTEGER NOT NULL DEFAULT 0 CHECK(deleted IN (0, 1)),
	flags_dirty     INTEGER NOT NULL DEFAULT 0 CHECK(flags_dirty IN (0, 1)),
	body_state      INTEGER NOT NULL DEFAULT 0,
	body            BLOB,
	conversation_id TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	UNIQUE(mailbox_id, server_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_mailbox ON messages(mailbox_id);
CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_dirty ON messages(flags_dirty);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);

CREATE TABLE IF NOT EXISTS outbox (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	from_addr   TEXT NOT NULL,
	recipients  TEXT NOT NULL,
	raw         BLOB NOT NULL,
	state       TEXT NOT NULL DEFAULT 'queued'
		CHECK(state IN ('queued', 'sending', 'sent', 'failed')),
	fail_reason TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox(account_id, state);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	message_id UNINDEXED,
	subject,
	sender,
	body
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
