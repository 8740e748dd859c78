// Package smtp implements outbound message submission. Each Submit
// opens, authenticates and closes its own connection; retry policy on
// transient failure belongs to the sync coordinator.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/mailden/mailden/internal/credential"
	"github.com/mailden/mailden/internal/model"
	"github.com/mailden/mailden/internal/protocol"
)

// Submitter sends messages through the account's SMTP endpoint.
type Submitter struct {
	Account model.Account
	Creds   credential.Provider
	Log     zerolog.Logger
}

// Submit implements protocol.Submitter. A server rejection surfaces as
// a SubmitError carrying the SMTP code; everything else is a connection
// failure the caller may retry.
func (s *Submitter) Submit(ctx context.Context, from string, rcpts []string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tok, err := s.Creds.Token(ctx, s.Account)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.Account.Submission.Host, s.Account.Submission.Port)
	tlsConfig := &tls.Config{ServerName: s.Account.Submission.Host}

	var client *gosmtp.Client
	if s.Account.Submission.StartTLS {
		client, err = gosmtp.DialStartTLS(addr, tlsConfig)
	} else {
		client, err = gosmtp.DialTLS(addr, tlsConfig)
	}
	if err != nil {
		return protocol.ClassifyDialError(err)
	}
	defer client.Close()

	// Abort the exchange promptly on cancellation.
	defer context.AfterFunc(ctx, func() { _ = client.Close() })()

	var auth sasl.Client
	if s.Account.IsOAuth() {
		auth = credential.NewXOAuth2(s.Account.Address, tok.Value)
	} else {
		auth = sasl.NewPlainClient("", s.Account.Address, tok.Value)
	}
	if err := client.Auth(auth); err != nil {
		return &protocol.AuthError{Reason: protocol.AuthServerRejected, Err: err}
	}

	if err := client.SendMail(from, rcpts, bytes.NewReader(raw)); err != nil {
		return s.classify(ctx, err)
	}

	if err := client.Quit(); err != nil {
		// The message was accepted; a failed QUIT is not a submission
		// failure.
		s.Log.Debug().Err(err).Msg("smtp quit after accepted submission")
	}
	return nil
}

func (s *Submitter) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var serr *gosmtp.SMTPError
	if errors.As(err, &serr) && serr.Code >= 400 {
		return &protocol.SubmitError{Code: serr.Code, Err: err}
	}
	return &protocol.SubmitError{Err: err}
}
