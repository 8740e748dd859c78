package protocol

import (
	"errors"
	"fmt"
)

// ConnectReason narrows why a connection attempt failed.
type ConnectReason string

const (
	ConnectDNS     ConnectReason = "dns"
	ConnectTLS     ConnectReason = "tls"
	ConnectTimeout ConnectReason = "timeout"
	ConnectionLost ConnectReason = "lost"
	ConnectOther   ConnectReason = "other"
)

// ConnectError is a transport-level failure: dialing, TLS handshake, or
// a connection dropped mid-operation. Always retryable with backoff.
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect error (%s): %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthReason narrows why authentication failed.
type AuthReason string

const (
	AuthInvalidCredential AuthReason = "invalid-credential"
	AuthTokenExpired      AuthReason = "token-expired"
	AuthServerRejected    AuthReason = "server-rejected"
)

// AuthError is an authentication failure. Token expiry is retried after
// a forced refresh; anything else needs user re-authentication.
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError is a failure retrieving a specific message.
type FetchError struct {
	ServerID string
	NotFound bool
	Err      error
}

func (e *FetchError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("fetch error: message %s not found", e.ServerID)
	}
	return fmt.Sprintf("fetch error for %s: %v", e.ServerID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SubmitError is an SMTP submission failure. A non-zero Code is a
// semantic server rejection and must not be auto-retried; Code zero
// means the connection was lost and the submission may be retried.
type SubmitError struct {
	Code int
	Err  error
}

func (e *SubmitError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("submit rejected (%d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("submit error: %v", e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Rejected reports whether the submission was semantically rejected by
// the server rather than interrupted.
func (e *SubmitError) Rejected() bool { return e.Code != 0 }

// IsConnectError reports whether err (or its chain) is a ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// IsAuthError reports whether err (or its chain) is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTokenExpired reports whether err is an AuthError caused by an
// expired access token.
func IsTokenExpired(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Reason == AuthTokenExpired
}
