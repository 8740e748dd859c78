// Package credential supplies per-account authentication material to the
// protocol sessions: static passwords for classic accounts and
// short-lived OAuth2 access tokens (refreshed before expiry) for Gmail.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailden/mailden/internal/model"
)

// Token is one usable credential. A zero ExpiresAt means the credential
// never expires (static passwords).
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token is unusable at t, applying the
// refresh skew so callers never hand out a token about to lapse.
func (t Token) Expired(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt.Add(-skew))
}

// Reason narrows why a credential could not be supplied.
type Reason string

const (
	RefreshFailed Reason = "refresh-failed"
	Revoked       Reason = "revoked"
	Missing       Reason = "missing"
)

// Error is a credential acquisition failure.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("credential error (%s): %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRevoked reports whether err means the stored grant was revoked and
// the user must re-authenticate.
func IsRevoked(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Reason == Revoked
}

// Provider supplies tokens for accounts. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Token returns a currently valid credential for the account,
	// refreshing it first if it is within the refresh threshold.
	Token(ctx context.Context, account model.Account) (Token, error)

	// Invalidate drops any cached token for the account, forcing the
	// next Token call to refresh. Used after a server-side
	// token-expired rejection.
	Invalidate(accountID string)
}

// Static reads a fixed password from the secret store. It has no
// expiry and Invalidate only drops the in-memory copy.
type Static struct {
	Secrets Secrets

	cache cacheMap
}

// Token implements Provider.
func (s *Static) Token(_ context.Context, account model.Account) (Token, error) {
	if tok, ok := s.cache.get(account.ID); ok {
		return tok, nil
	}
	secret, err := s.Secrets.Get(account.CredentialRef)
	if err != nil {
		return Token{}, &Error{Reason: Missing, Err: err}
	}
	tok := Token{Value: secret}
	s.cache.put(account.ID, tok)
	return tok, nil
}

// Invalidate implements Provider.
func (s *Static) Invalidate(accountID string) {
	s.cache.drop(accountID)
}
