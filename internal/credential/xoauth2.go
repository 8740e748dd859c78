package credential

import "github.com/emersion/go-sasl"

// xoauth2Client is a minimal SASL XOAUTH2 client. Gmail's IMAP and SMTP
// endpoints speak XOAUTH2 rather than OAUTHBEARER, so go-sasl's builtin
// client does not apply.
type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2 returns a sasl.Client for the XOAUTH2 mechanism.
func NewXOAuth2(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

// Start returns the mechanism name and the initial response,
// "user=<user>\x01auth=Bearer <token>\x01\x01".
func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next handles the error challenge the server may send on rejection;
// XOAUTH2 expects an empty response to it.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return nil, nil
}
