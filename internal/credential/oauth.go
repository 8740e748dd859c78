package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/mailden/mailden/internal/model"
)

// refreshSkew is how long before expiry a cached access token is
// considered stale and refreshed.
const refreshSkew = 60 * time.Second

// OAuth supplies OAuth2 access tokens, refreshing them from the stored
// refresh token. Concurrent callers for the same account during a
// refresh are coalesced into a single refresh attempt so the refresh
// token is never burned twice.
type OAuth struct {
	// Config holds the client registration and endpoints
	// (e.g. Google's for Gmail accounts).
	Config oauth2.Config

	Secrets Secrets

	cache cacheMap
	group singleflight.Group

	// now is overridable in tests.
	now func() time.Time
}

func (o *OAuth) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

// Token implements Provider.
func (o *OAuth) Token(ctx context.Context, account model.Account) (Token, error) {
	if tok, ok := o.cache.get(account.ID); ok && !tok.Expired(o.clock(), refreshSkew) {
		return tok, nil
	}

	v, err, _ := o.group.Do(account.ID, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have
		// already refreshed.
		if tok, ok := o.cache.get(account.ID); ok && !tok.Expired(o.clock(), refreshSkew) {
			return tok, nil
		}
		return o.refresh(ctx, account)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Invalidate implements Provider.
func (o *OAuth) Invalidate(accountID string) {
	o.cache.drop(accountID)
}

// refresh exchanges the stored refresh token for a new access token and
// persists a rotated refresh token when the server issues one.
func (o *OAuth) refresh(ctx context.Context, account model.Account) (Token, error) {
	refreshToken, err := o.Secrets.Get(account.CredentialRef)
	if err != nil {
		return Token{}, &Error{Reason: Missing, Err: err}
	}

	src := o.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	fresh, err := src.Token()
	if err != nil {
		return Token{}, classifyRefreshError(err)
	}

	if fresh.RefreshToken != "" && fresh.RefreshToken != refreshToken {
		if err := o.Secrets.Set(account.CredentialRef, fresh.RefreshToken); err != nil {
			return Token{}, fmt.Errorf("persisting rotated refresh token: %w", err)
		}
	}

	tok := Token{Value: fresh.AccessToken, ExpiresAt: fresh.Expiry}
	o.cache.put(account.ID, tok)
	return tok, nil
}

// classifyRefreshError maps an oauth2 failure onto the credential error
// taxonomy. An invalid_grant response means the grant was revoked.
func classifyRefreshError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" || rerr.Response != nil && rerr.Response.StatusCode == 400 {
			return &Error{Reason: Revoked, Err: err}
		}
	}
	return &Error{Reason: RefreshFailed, Err: err}
}

// AuthCodeURL builds the PKCE authorization URL for the interactive
// browser flow (which itself happens outside the engine) and returns
// the verifier to hold for the matching Exchange call.
func (o *OAuth) AuthCodeURL(state string) (url, verifier string) {
	verifier = oauth2.GenerateVerifier()
	url = o.Config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
	return url, verifier
}

// Exchange trades the authorization code from the browser flow for the
// initial token pair, storing the refresh token under the account's
// credential reference.
func (o *OAuth) Exchange(ctx context.Context, account model.Account, code, verifier string) (Token, error) {
	fresh, err := o.Config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Token{}, &Error{Reason: RefreshFailed, Err: err}
	}
	if fresh.RefreshToken == "" {
		return Token{}, &Error{Reason: RefreshFailed, Err: errors.New("authorization response carried no refresh token")}
	}

	if err := o.Secrets.Set(account.CredentialRef, fresh.RefreshToken); err != nil {
		return Token{}, fmt.Errorf("storing refresh token: %w", err)
	}

	tok := Token{Value: fresh.AccessToken, ExpiresAt: fresh.Expiry}
	o.cache.put(account.ID, tok)
	return tok, nil
}
