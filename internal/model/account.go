package model

import "time"

// Protocol identifies the inbound protocol pair used by an account.
type Protocol string

const (
	// ProtocolIMAP is IMAP for receiving plus SMTP for submission.
	ProtocolIMAP Protocol = "imap"
	// ProtocolPOP3 is POP3 for receiving plus SMTP for submission.
	ProtocolPOP3 Protocol = "pop3"
)

// AuthMethod identifies how an account authenticates against its servers.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthOAuth2   AuthMethod = "oauth2"
)

// Endpoint is a host:port pair plus its TLS mode.
type Endpoint struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// StartTLS upgrades a plaintext connection instead of using
	// implicit TLS. Implicit TLS is the default.
	StartTLS bool `mapstructure:"starttls" yaml:"starttls"`
}

// Account describes one configured mail account. Accounts are immutable
// once created; removing an account cascades to its mailboxes, messages
// and cursors in the store.
type Account struct {
	ID       string
	Name     string
	Protocol Protocol
	Auth     AuthMethod

	// Address is the account's email address, used as both the IMAP/POP3
	// login name and the SMTP envelope sender.
	Address string

	// CredentialRef is an opaque key into the secure credential store.
	// The store never holds the secret itself.
	CredentialRef string

	Inbound    Endpoint // IMAP or POP3 server
	Submission Endpoint // SMTP server

	PollInterval time.Duration
}

// IsOAuth reports whether the account authenticates with OAuth2
// access tokens (e.g. Gmail XOAUTH2) rather than a static password.
func (a Account) IsOAuth() bool {
	return a.Auth == AuthOAuth2
}
